// Package rpc is the binary protocol spoken between madbfs and the
// madbfs-server process running on the device.
//
// Every request frame is
//
//	id u32 | procedure u8 | payload size u64 | payload
//
// and every response frame is
//
//	id u32 | procedure u8 | status i32 | payload size u64 | payload
//
// with integers in big-endian order. A non-zero status is an errno and
// carries no payload. Responses may arrive in any order; the id ties them
// to their request.
package rpc

import (
	"fmt"
	"time"
)

// Procedure names a remote call. The values are part of the wire format.
type Procedure uint8

const (
	ProcListdir Procedure = iota
	ProcStat
	ProcReadlink
	ProcMknod
	ProcMkdir
	ProcUnlink
	ProcRmdir
	ProcRename
	ProcTruncate
	ProcRead
	ProcWrite
	ProcUtimens
	ProcCopyFileRange
)

var procNames = [...]string{
	ProcListdir:       "listdir",
	ProcStat:          "stat",
	ProcReadlink:      "readlink",
	ProcMknod:         "mknod",
	ProcMkdir:         "mkdir",
	ProcUnlink:        "unlink",
	ProcRmdir:         "rmdir",
	ProcRename:        "rename",
	ProcTruncate:      "truncate",
	ProcRead:          "read",
	ProcWrite:         "write",
	ProcUtimens:       "utimens",
	ProcCopyFileRange: "copy_file_range",
}

// Valid reports whether p is a known procedure.
func (p Procedure) Valid() bool {
	return p <= ProcCopyFileRange
}

func (p Procedure) String() string {
	if !p.Valid() {
		return fmt.Sprintf("procedure(%d)", uint8(p))
	}
	return procNames[p]
}

const (
	// ReadyString is printed by the server once it listens and opens the
	// handshake on both sides.
	ReadyString = "SERVER_IS_READY"
	// ProtocolVersion must match on both ends of the handshake.
	ProtocolVersion = "1"

	// MaxPayload bounds a single frame.
	MaxPayload = 256 << 20

	requestHeaderSize  = 4 + 1 + 8
	responseHeaderSize = 4 + 1 + 4 + 8
)

// Timespec is a seconds and nanoseconds pair. Utimens requests use the
// UTIME_NOW and UTIME_OMIT values of Nsec the way utimensat does.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// TimespecOf converts t.
func TimespecOf(t time.Time) Timespec {
	return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Time converts ts back to a time.Time.
func (ts Timespec) Time() time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}

// Stat is the subset of struct stat the client needs.
type Stat struct {
	Size  int64
	Links uint64
	Mtime Timespec
	Atime Timespec
	Ctime Timespec
	Mode  uint32
	UID   uint32
	GID   uint32
}

// DirEntry is one listed child.
type DirEntry struct {
	Name string
	Stat Stat
}

// Request is a call to one procedure. Which fields travel depends on Proc:
//
//	listdir, stat, readlink, unlink, rmdir  Path
//	mknod                                   Path Mode Dev
//	mkdir                                   Path Mode
//	rename                                  Path To Flags
//	truncate                                Path Size
//	read                                    Path Offset Size
//	write                                   Path Offset Data
//	utimens                                 Path Atime Mtime
//	copy_file_range                         Path Offset To OutOffset Size
type Request struct {
	Proc      Procedure
	Path      string
	To        string
	Mode      uint32
	Dev       uint64
	Flags     uint32
	Offset    int64
	OutOffset int64
	Size      int64
	Data      []byte
	Atime     Timespec
	Mtime     Timespec
}

// Response is the result of a successful call. Listdir fills Entries, stat
// fills Stat, readlink fills Target, read fills Data, while write and
// copy_file_range fill Size.
type Response struct {
	Entries []DirEntry
	Stat    Stat
	Target  string
	Data    []byte
	Size    int64
}
