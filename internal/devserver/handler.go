// Package devserver answers madbfs requests against the local filesystem.
// It is the body of madbfs-server, which runs on the device.
package devserver

import (
	"context"
	stderr "errors"
	"io"
	"os"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mrizaln/madbfs-sub001/internal/rpc"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// chunk is the block size of the copy fallback.
const chunk = 64 * 1024

// Handler maps each procedure onto the matching syscall. Paths are used as
// given; symlinks are never followed in the final component.
type Handler struct {
	log *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler() *Handler {
	return &Handler{log: utils.Component("devserver")}
}

// Handle is an rpc.Handler.
func (h *Handler) Handle(_ context.Context, req rpc.Request) (rpc.Response, syscall.Errno) {
	h.log.Debug("request", zap.Stringer("procedure", req.Proc), zap.String("path", req.Path))

	var resp rpc.Response
	var err error
	switch req.Proc {
	case rpc.ProcListdir:
		resp.Entries, err = listdir(req.Path)
	case rpc.ProcStat:
		var st unix.Stat_t
		if err = unix.Lstat(req.Path, &st); err == nil {
			resp.Stat = statOf(&st)
		}
	case rpc.ProcReadlink:
		resp.Target, err = os.Readlink(req.Path)
	case rpc.ProcMknod:
		err = unix.Mknod(req.Path, req.Mode, int(req.Dev))
	case rpc.ProcMkdir:
		err = unix.Mkdir(req.Path, req.Mode)
	case rpc.ProcUnlink:
		err = unix.Unlink(req.Path)
	case rpc.ProcRmdir:
		err = unix.Rmdir(req.Path)
	case rpc.ProcRename:
		err = rename(req.Path, req.To, req.Flags)
	case rpc.ProcTruncate:
		err = unix.Truncate(req.Path, req.Size)
	case rpc.ProcRead:
		resp.Data, err = readAt(req.Path, req.Offset, req.Size)
	case rpc.ProcWrite:
		resp.Size, err = writeAt(req.Path, req.Offset, req.Data)
	case rpc.ProcUtimens:
		ts := []unix.Timespec{timespec(req.Atime), timespec(req.Mtime)}
		err = unix.UtimesNanoAt(unix.AT_FDCWD, req.Path, ts, unix.AT_SYMLINK_NOFOLLOW)
	case rpc.ProcCopyFileRange:
		resp.Size, err = copyRange(req.Path, req.Offset, req.To, req.OutOffset, req.Size)
	default:
		return rpc.Response{}, syscall.ENOSYS
	}

	if err != nil {
		errno := errnoOf(err)
		h.log.Debug("request failed", zap.Stringer("procedure", req.Proc), zap.String("path", req.Path), zap.Error(err))
		return rpc.Response{}, errno
	}
	return resp, 0
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if stderr.As(err, &errno) && errno != 0 {
		return errno
	}
	return syscall.EIO
}

func statOf(st *unix.Stat_t) rpc.Stat {
	return rpc.Stat{
		Size:  st.Size,
		Links: uint64(st.Nlink),
		Mtime: rpc.Timespec{Sec: int64(st.Mtim.Sec), Nsec: int64(st.Mtim.Nsec)},
		Atime: rpc.Timespec{Sec: int64(st.Atim.Sec), Nsec: int64(st.Atim.Nsec)},
		Ctime: rpc.Timespec{Sec: int64(st.Ctim.Sec), Nsec: int64(st.Ctim.Nsec)},
		Mode:  st.Mode,
		UID:   st.Uid,
		GID:   st.Gid,
	}
}

func timespec(ts rpc.Timespec) unix.Timespec {
	switch ts.Nsec {
	case unix.UTIME_NOW:
		return unix.Timespec{Nsec: unix.UTIME_NOW}
	case unix.UTIME_OMIT:
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	}
	return unix.NsecToTimespec(ts.Sec*1e9 + ts.Nsec)
}

// listdir skips children that vanish between readdir and fstatat.
func listdir(path string) ([]rpc.DirEntry, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	dir := os.NewFile(uintptr(fd), path)
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	entries := make([]rpc.DirEntry, 0, len(names))
	for _, name := range names {
		var st unix.Stat_t
		if err := unix.Fstatat(fd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			continue
		}
		entries = append(entries, rpc.DirEntry{Name: name, Stat: statOf(&st)})
	}
	return entries, nil
}

// rename falls back to plain rename(2) on kernels without renameat2. Flags
// cannot be honored there.
func rename(from, to string, flags uint32) error {
	err := unix.Renameat2(unix.AT_FDCWD, from, unix.AT_FDCWD, to, uint(flags))
	if err != unix.ENOSYS {
		return err
	}
	if flags != 0 {
		return unix.EINVAL
	}
	return unix.Rename(from, to)
}

func readAt(path string, off, size int64) ([]byte, error) {
	if off < 0 || size < 0 || size > rpc.MaxPayload/2 {
		return nil, unix.EINVAL
	}
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func writeAt(path string, off int64, data []byte) (int64, error) {
	if off < 0 {
		return 0, unix.EINVAL
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := f.WriteAt(data, off)
	return int64(n), err
}

// copyRange uses copy_file_range and falls back to reading and writing
// when the kernel or filesystem cannot do it.
func copyRange(in string, offIn int64, out string, offOut int64, size int64) (int64, error) {
	if offIn < 0 || offOut < 0 || size < 0 {
		return 0, unix.EINVAL
	}
	src, err := os.OpenFile(in, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	dst, err := os.OpenFile(out, os.O_WRONLY, 0)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	var copied int64
	for copied < size {
		rOff, wOff := offIn+copied, offOut+copied
		n, err := unix.CopyFileRange(int(src.Fd()), &rOff, int(dst.Fd()), &wOff, int(min(size-copied, 1<<30)), 0)
		if err != nil {
			switch err {
			case unix.ENOSYS, unix.EXDEV, unix.EOPNOTSUPP, unix.EINVAL:
				m, err := copyChunks(src, offIn+copied, dst, offOut+copied, size-copied)
				return copied + m, err
			}
			return copied, err
		}
		if n == 0 {
			break
		}
		copied += int64(n)
	}
	return copied, nil
}

func copyChunks(src *os.File, offIn int64, dst *os.File, offOut int64, size int64) (int64, error) {
	buf := make([]byte, chunk)
	var copied int64
	for copied < size {
		n, err := src.ReadAt(buf[:min(int64(chunk), size-copied)], offIn+copied)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], offOut+copied); werr != nil {
				return copied, werr
			}
			copied += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return copied, err
		}
	}
	return copied, nil
}
