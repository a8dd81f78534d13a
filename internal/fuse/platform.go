//go:build !cgofuse
// +build !cgofuse

package fuse

// CreatePlatformMountManager returns the go-fuse mount manager.
func CreatePlatformMountManager(filesystem *FileSystem, config *MountConfig) PlatformFileSystem {
	return NewMountManager(filesystem, config)
}
