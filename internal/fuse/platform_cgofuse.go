//go:build cgofuse
// +build cgofuse

package fuse

// CreatePlatformMountManager returns the cgofuse mount manager.
func CreatePlatformMountManager(filesystem *FileSystem, config *MountConfig) PlatformFileSystem {
	if config == nil {
		config = &MountConfig{}
	}
	if config.Options == nil {
		config.Options = DefaultMountOptions()
	}
	if filesystem.config.MountPoint == "" {
		filesystem.config.MountPoint = config.MountPoint
	}
	if config.Options.ReadOnly {
		filesystem.config.ReadOnly = true
	}
	return NewCgoFuseFS(filesystem, config)
}
