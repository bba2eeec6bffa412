package cmn

import "golang.org/x/sys/unix"

// AlignDown rounds off down to the nearest multiple of align, which must
// be a power of two. Used throughout the file backend to compute
// log extents from region offsets (spec §4.4).
func AlignDown(off int64, align int) int64 {
	a := int64(align)
	return off &^ (a - 1)
}

// AlignUp rounds off up to the nearest multiple of align.
func AlignUp(off int64, align int) int64 {
	a := int64(align)
	return (off + a - 1) &^ (a - 1)
}

// DiscoverBlockSize asks the file system hosting path for its preferred
// I/O block size via statfs, falling back to DefaultBlockSize — the
// "discoverable at runtime where possible (statvfs/statx)" note in spec
// §9.
func DiscoverBlockSize(path string) int {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DefaultBlockSize
	}
	bsize := int(st.Bsize)
	if bsize <= 0 || bsize&(bsize-1) != 0 {
		return DefaultBlockSize
	}
	return bsize
}
