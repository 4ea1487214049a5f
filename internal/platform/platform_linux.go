//go:build linux

package platform

import (
	"io/fs"
	"syscall"
)

type linuxCapability struct{}

// New returns the host's Capability implementation. On Linux this reads
// the full stat_t the recorder wants (inode, uid, gid, rdev, nlink,
// nanosecond mtime); see platform_other.go for the portable fallback used
// everywhere else.
func New() Capability {
	return linuxCapability{}
}

func (linuxCapability) Stat(fi fs.FileInfo) Info {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return Info{MTimeNS: fi.ModTime().UnixNano()}
	}
	return Info{
		Inode:   st.Ino,
		UID:     st.Uid,
		GID:     st.Gid,
		Rdev:    uint64(st.Rdev),
		NLink:   uint32(st.Nlink),
		MTimeNS: st.Mtim.Sec*1e9 + st.Mtim.Nsec,
	}
}
