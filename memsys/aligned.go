package memsys

import "unsafe"

// AlignedBuffer bundles a block-aligned, direct-I/O-safe slice with the
// oversized allocation that backs it. Spec §9 calls out the convention
// this type exists to enforce: "free the aligned base, not the interior
// pointer" — Release always frees base, Bytes always hands callers the
// aligned interior view.
type AlignedBuffer struct {
	base  []byte
	Bytes []byte
}

// NewAlignedBuffer allocates size bytes aligned to align (a power of
// two), the way the file backend's bounce buffers and the transfer
// engine's pooled buffers must be for O_DIRECT I/O.
func NewAlignedBuffer(size, align int) *AlignedBuffer {
	buf := make([]byte, size+align)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if rem := addr % uintptr(align); rem != 0 {
		offset = int(uintptr(align) - rem)
	}
	return &AlignedBuffer{base: buf, Bytes: buf[offset : offset+size]}
}

// Release drops the reference to the backing allocation. There is
// nothing to explicitly free in Go beyond letting the GC reclaim base;
// the method exists so call sites read the same way the source's
// "free the aligned base" convention does, and so a future pinned/mmap'd
// allocator can slot in without changing callers.
func (b *AlignedBuffer) Release() {
	b.base = nil
	b.Bytes = nil
}
