package rpc

import (
	"encoding/binary"
	"io"
	"syscall"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
)

var be = binary.BigEndian

type builder struct {
	buf []byte
}

func (b *builder) u8(v uint8)   { b.buf = append(b.buf, v) }
func (b *builder) u32(v uint32) { b.buf = be.AppendUint32(b.buf, v) }
func (b *builder) u64(v uint64) { b.buf = be.AppendUint64(b.buf, v) }
func (b *builder) i64(v int64)  { b.u64(uint64(v)) }

func (b *builder) bytes(p []byte) {
	b.u64(uint64(len(p)))
	b.buf = append(b.buf, p...)
}

// paths carry their NUL terminator in the length
func (b *builder) path(s string) {
	b.u64(uint64(len(s) + 1))
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
}

func (b *builder) timespec(ts Timespec) {
	b.i64(ts.Sec)
	b.i64(ts.Nsec)
}

func (b *builder) stat(st *Stat) {
	b.i64(st.Size)
	b.u64(st.Links)
	b.timespec(st.Mtime)
	b.timespec(st.Atime)
	b.timespec(st.Ctime)
	b.u32(st.Mode)
	b.u32(st.UID)
	b.u32(st.GID)
}

// reader decodes a payload. The first failure sticks; later reads return
// zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = errors.NewError(errors.ErrCodeMalformedOutput, "truncated or invalid "+what).WithComponent("rpc")
	}
}

func (r *reader) take(n uint64, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)-r.off) {
		r.fail(what)
		return nil
	}
	p := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return p
}

func (r *reader) u32() uint32 {
	if p := r.take(4, "u32"); p != nil {
		return be.Uint32(p)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if p := r.take(8, "u64"); p != nil {
		return be.Uint64(p)
	}
	return 0
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) bytes() []byte {
	n := r.u64()
	p := r.take(n, "bytes")
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}

func (r *reader) path() string {
	n := r.u64()
	if r.err == nil && n == 0 {
		r.fail("path")
		return ""
	}
	p := r.take(n, "path")
	if p == nil {
		return ""
	}
	if p[n-1] != 0 {
		r.fail("path terminator")
		return ""
	}
	return string(p[:n-1])
}

func (r *reader) timespec() Timespec {
	return Timespec{Sec: r.i64(), Nsec: r.i64()}
}

func (r *reader) stat() Stat {
	var st Stat
	st.Size = r.i64()
	st.Links = r.u64()
	st.Mtime = r.timespec()
	st.Atime = r.timespec()
	st.Ctime = r.timespec()
	st.Mode = r.u32()
	st.UID = r.u32()
	st.GID = r.u32()
	return st
}

// done fails on trailing bytes.
func (r *reader) done() error {
	if r.err == nil && r.off != len(r.buf) {
		r.fail("payload length")
	}
	return r.err
}

func (req *Request) encode(b *builder) {
	b.path(req.Path)
	switch req.Proc {
	case ProcMknod:
		b.u32(req.Mode)
		b.u64(req.Dev)
	case ProcMkdir:
		b.u32(req.Mode)
	case ProcRename:
		b.path(req.To)
		b.u32(req.Flags)
	case ProcTruncate:
		b.i64(req.Size)
	case ProcRead:
		b.i64(req.Offset)
		b.u64(uint64(req.Size))
	case ProcWrite:
		b.i64(req.Offset)
		b.bytes(req.Data)
	case ProcUtimens:
		b.timespec(req.Atime)
		b.timespec(req.Mtime)
	case ProcCopyFileRange:
		b.i64(req.Offset)
		b.path(req.To)
		b.i64(req.OutOffset)
		b.u64(uint64(req.Size))
	}
}

func decodeRequest(proc Procedure, payload []byte) (Request, error) {
	r := reader{buf: payload}
	req := Request{Proc: proc, Path: r.path()}
	switch proc {
	case ProcMknod:
		req.Mode = r.u32()
		req.Dev = r.u64()
	case ProcMkdir:
		req.Mode = r.u32()
	case ProcRename:
		req.To = r.path()
		req.Flags = r.u32()
	case ProcTruncate:
		req.Size = r.i64()
	case ProcRead:
		req.Offset = r.i64()
		req.Size = int64(r.u64())
	case ProcWrite:
		req.Offset = r.i64()
		req.Data = r.bytes()
	case ProcUtimens:
		req.Atime = r.timespec()
		req.Mtime = r.timespec()
	case ProcCopyFileRange:
		req.Offset = r.i64()
		req.To = r.path()
		req.OutOffset = r.i64()
		req.Size = int64(r.u64())
	}
	return req, r.done()
}

func (resp *Response) encode(proc Procedure, b *builder) {
	switch proc {
	case ProcListdir:
		b.u64(uint64(len(resp.Entries)))
		for i := range resp.Entries {
			b.path(resp.Entries[i].Name)
			b.stat(&resp.Entries[i].Stat)
		}
	case ProcStat:
		b.stat(&resp.Stat)
	case ProcReadlink:
		b.path(resp.Target)
	case ProcRead:
		b.bytes(resp.Data)
	case ProcWrite, ProcCopyFileRange:
		b.u64(uint64(resp.Size))
	}
}

func decodeResponse(proc Procedure, payload []byte) (Response, error) {
	r := reader{buf: payload}
	var resp Response
	switch proc {
	case ProcListdir:
		n := r.u64()
		// every entry takes well over one byte
		if n > uint64(len(payload)) {
			r.fail("entry count")
			break
		}
		resp.Entries = make([]DirEntry, 0, n)
		for i := uint64(0); i < n && r.err == nil; i++ {
			name := r.path()
			resp.Entries = append(resp.Entries, DirEntry{Name: name, Stat: r.stat()})
		}
	case ProcStat:
		resp.Stat = r.stat()
	case ProcReadlink:
		resp.Target = r.path()
	case ProcRead:
		resp.Data = r.bytes()
	case ProcWrite, ProcCopyFileRange:
		resp.Size = int64(r.u64())
	}
	return resp, r.done()
}

// appendRequest appends the frame of req under id to dst.
func appendRequest(dst []byte, id uint32, req *Request) []byte {
	b := builder{buf: dst}
	b.u32(id)
	b.u8(uint8(req.Proc))
	b.u64(0)
	start := len(b.buf)
	req.encode(&b)
	be.PutUint64(b.buf[start-8:start], uint64(len(b.buf)-start))
	return b.buf
}

// appendResponse appends the frame answering id. A non-zero errno drops
// the payload.
func appendResponse(dst []byte, id uint32, proc Procedure, errno syscall.Errno, resp *Response) []byte {
	b := builder{buf: dst}
	b.u32(id)
	b.u8(uint8(proc))
	b.u32(uint32(int32(errno)))
	b.u64(0)
	start := len(b.buf)
	if errno == 0 && resp != nil {
		resp.encode(proc, &b)
	}
	be.PutUint64(b.buf[start-8:start], uint64(len(b.buf)-start))
	return b.buf
}

func readPayload(r io.Reader, size uint64) ([]byte, error) {
	if size > MaxPayload {
		return nil, errors.Newf(errors.ErrCodeMalformedOutput, "frame payload of %d bytes exceeds limit", size).WithComponent("rpc")
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// readRequest reads one request frame.
func readRequest(r io.Reader) (id uint32, proc Procedure, payload []byte, err error) {
	var hdr [requestHeaderSize]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	id = be.Uint32(hdr[0:4])
	proc = Procedure(hdr[4])
	payload, err = readPayload(r, be.Uint64(hdr[5:13]))
	return id, proc, payload, err
}

type responseFrame struct {
	id      uint32
	proc    Procedure
	status  syscall.Errno
	payload []byte
}

// readResponse reads one response frame.
func readResponse(r io.Reader) (responseFrame, error) {
	var hdr [responseHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return responseFrame{}, err
	}
	f := responseFrame{
		id:     be.Uint32(hdr[0:4]),
		proc:   Procedure(hdr[4]),
		status: syscall.Errno(int32(be.Uint32(hdr[5:9]))),
	}
	payload, err := readPayload(r, be.Uint64(hdr[9:17]))
	if err != nil {
		return responseFrame{}, err
	}
	f.payload = payload
	return f, nil
}
