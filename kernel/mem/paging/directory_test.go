package paging

import (
	"testing"

	"github.com/coronel-os/coronel/kernel/mem"
)

func TestCreatePageDirectoryCopiesKernelSlot(t *testing.T) {
	tf := withTestFrames(t)

	kernelRoot, _ := tf.alloc()
	memsetFn(uintptr(derefFn(kernelRoot.Address())), 0, mem.PageSize)
	SetKernelDirectory(kernelRoot.Address())
	defer SetKernelDirectory(0)

	kernelIdx := (uint64(mem.VAddr(mem.KVirtualAddress)) >> pml4Shift) & idxMask
	backing, _ := tf.alloc()
	kernelSlot := entryAt(kernelRoot.Address(), kernelIdx)
	kernelSlot.SetFlags(FlagPresent | FlagWritable)
	kernelSlot.SetFrame(backing)

	dir, err := CreatePageDirectory()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	copied := entryAt(dir, kernelIdx)
	if *copied != *kernelSlot {
		t.Fatalf("expected the kernel PML4 slot to be copied verbatim into the new directory")
	}
}

func TestCreateUserPageDirectoryMapsStack(t *testing.T) {
	tf := withTestFrames(t)

	kernelRoot, _ := tf.alloc()
	memsetFn(uintptr(derefFn(kernelRoot.Address())), 0, mem.PageSize)
	SetKernelDirectory(kernelRoot.Address())
	defer SetKernelDirectory(0)

	dir, err := CreateUserPageDirectory()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lastPage := mem.UserStackTop - mem.VAddr(mem.PageSize)
	phys, err := Translate(dir, lastPage)
	if err != nil {
		t.Fatalf("expected the page just below USER_STACK_TOP to be mapped: %v", err)
	}
	if phys == 0 {
		t.Fatalf("expected a non-zero physical address for the mapped stack page")
	}

	// P7: every non-leaf entry on the path must carry Present+Writable,
	// and User since the leaf is User.
	idx := indices(lastPage)
	table := dir
	for level := 0; level < numLevels-1; level++ {
		pte := entryAt(table, idx[level])
		if !pte.HasFlags(FlagPresent | FlagWritable | FlagUser) {
			t.Fatalf("level %d entry on the stack path is missing P|W|U", level)
		}
		table = pte.Frame().Address()
	}
}
