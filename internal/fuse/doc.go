/*
Package fuse mounts the madbfs node tree into the local filesystem.

Two bindings are available, selected by build constraints:

	default build      github.com/hanwen/go-fuse/v2   inode based
	-tags cgofuse      github.com/winfsp/cgofuse      path based

Both translate kernel requests into calls on internal/tree and share
FileSystem for errno mapping, per-operation statistics and metrics.

# Paths

go-fuse hands the adapter inodes rather than paths. Each node rebuilds its
device path from the inode tree on every request, so a rename performed by
the kernel moves the node and every later request sees the new path without
any bookkeeping here. Open file handles resolve their path the same way.

# Errors

Tree errors are *errors.Error values; errors.ToErrno maps them onto errno.
Errors that are part of ordinary traffic (ENOENT, EEXIST, ENOTEMPTY and the
like) are logged at debug level, anything else at warn.

# Symlinks

Device symlinks with an absolute target are rewritten to point inside the
mount point, so /sdcard -> /storage/self/primary resolves on the host.

# Mounting

	filesystem := fuse.NewFileSystem(t, collector, &fuse.Config{MountPoint: dir})
	mgr := fuse.CreatePlatformMountManager(filesystem, &fuse.MountConfig{
		MountPoint: dir,
		Options:    fuse.DefaultMountOptions(),
	})
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	defer mgr.Unmount()
	mgr.Wait()

The mount manager refuses a mount point that is missing, not a directory, or
already mounted (checked with github.com/moby/sys/mountinfo). If a regular
unmount fails because the mount is busy it falls back to a lazy unmount.
*/
package fuse
