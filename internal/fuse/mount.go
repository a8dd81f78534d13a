package fuse

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/moby/sys/mountinfo"
	"go.uber.org/zap"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// FilesystemStats represents filesystem operation statistics
type FilesystemStats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Creates      int64 `json:"creates"`
	Deletes      int64 `json:"deletes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// PlatformFileSystem is what the mount process drives, whichever FUSE
// binding is compiled in.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	Wait()
	GetStats() *FilesystemStats
}

var _ PlatformFileSystem = (*MountManager)(nil)

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint string        `yaml:"mount_point"`
	Options    *MountOptions `yaml:"options"`
}

// MountOptions contains FUSE mount options
type MountOptions struct {
	ReadOnly     bool          `yaml:"read_only"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	MaxWrite     uint32        `yaml:"max_write"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// DefaultMountOptions returns the options used when none are given.
func DefaultMountOptions() *MountOptions {
	return &MountOptions{
		FSName:       "madbfs",
		Subtype:      "adb",
		MaxWrite:     128 * 1024,
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
	}
}

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	config     *MountConfig
	log        *zap.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config *MountConfig) *MountManager {
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

	return &MountManager{
		filesystem: filesystem,
		config:     config,
		log:        utils.Component("mount"),
	}
}

// Mount mounts the filesystem and serves it in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return errors.NewError(errors.ErrCodeInvalidState, "filesystem is already mounted").
			WithComponent("mount").WithPath(m.config.MountPoint)
	}

	if err := validateMountPoint(m.config.MountPoint); err != nil {
		return err
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return errors.NewError(errors.ErrCodeMountFailed, "failed to mount filesystem").
			WithComponent("mount").WithPath(m.config.MountPoint).WithCause(err)
	}

	m.server = server
	m.mounted = true
	m.log.Info("mounted", zap.String("mount_point", m.config.MountPoint))

	go func() {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
		}
		m.mu.Unlock()
		m.log.Info("fuse server stopped", zap.String("mount_point", m.config.MountPoint))
	}()

	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy unmount while
// the mount point is busy.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return errors.NewError(errors.ErrCodeInvalidState, "filesystem is not mounted").
			WithComponent("mount").WithPath(m.config.MountPoint)
	}

	if err := m.server.Unmount(); err != nil {
		m.log.Warn("unmount failed, trying lazy unmount", zap.Error(err))
		if lerr := forceUnmount(m.config.MountPoint); lerr != nil {
			return errors.NewError(errors.ErrCodeMountFailed, "unmount failed").
				WithComponent("mount").WithPath(m.config.MountPoint).
				WithCause(err).WithDetail("lazy_unmount", lerr.Error())
		}
	}

	m.mounted = false
	m.server = nil
	m.log.Info("unmounted", zap.String("mount_point", m.config.MountPoint))
	return nil
}

// IsMounted checks if the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the kernel unmounts the filesystem.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() *FilesystemStats {
	if m.filesystem == nil {
		return &FilesystemStats{}
	}
	return m.filesystem.GetStats()
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config.Options
	attr, entry := o.AttrTimeout, o.EntryTimeout

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       o.Subtype,
			FsName:     o.FSName,
			Debug:      o.Debug,
			AllowOther: o.AllowOther,
			MaxWrite:   int(o.MaxWrite),
		},
		AttrTimeout:  &attr,
		EntryTimeout: &entry,
	}
	if o.ReadOnly {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "ro")
	}
	return opts
}

// validateMountPoint requires an existing directory that nothing is
// mounted on yet.
func validateMountPoint(mountPoint string) error {
	if mountPoint == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "mount point cannot be empty").WithComponent("mount")
	}

	info, err := os.Stat(mountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound(mountPoint).WithComponent("mount").WithCause(err)
		}
		return errors.NewError(errors.ErrCodeMountFailed, "cannot access mount point").
			WithComponent("mount").WithPath(mountPoint).WithCause(err)
	}
	if !info.IsDir() {
		return errors.NewError(errors.ErrCodeNotDirectory, "mount point is not a directory").
			WithComponent("mount").WithPath(mountPoint)
	}

	mounted, err := isAlreadyMounted(mountPoint)
	if err != nil {
		utils.Component("mount").Debug("mountinfo lookup failed", zap.String("mount_point", mountPoint), zap.Error(err))
	}
	if mounted {
		return errors.NewError(errors.ErrCodeAlreadyExists, "mount point is already mounted").
			WithComponent("mount").WithPath(mountPoint)
	}
	return nil
}

func isAlreadyMounted(mountPoint string) (bool, error) {
	abs, err := filepath.Abs(mountPoint)
	if err != nil {
		return false, err
	}
	return mountinfo.Mounted(abs)
}

func forceUnmount(mountPoint string) error {
	return syscall.Unmount(mountPoint, syscall.MNT_DETACH)
}
