//go:build !linux

package platform

import "io/fs"

type portableCapability struct{}

// New returns the host's Capability implementation. Off Linux, only the
// fields io/fs.FileInfo already exposes portably are available; inode,
// uid, gid and rdev come back zero, and nlink is always reported as 1.
func New() Capability {
	return portableCapability{}
}

func (portableCapability) Stat(fi fs.FileInfo) Info {
	return Info{MTimeNS: fi.ModTime().UnixNano(), NLink: 1}
}
