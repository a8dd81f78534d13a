package rpc

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

type result struct {
	resp Response
	err  error
}

// Client multiplexes calls over one connection. Any number of calls may be
// in flight; a receive goroutine routes each response to its caller by id.
// Once the connection fails the client stays failed and every call returns
// BROKEN_PIPE.
type Client struct {
	conn net.Conn
	log  *zap.Logger

	wmu sync.Mutex // one frame at a time on conn

	mu      sync.Mutex
	next    uint32
	pending map[uint32]chan result
	cause   error

	done chan struct{}
}

// NewClient starts receiving on conn. The handshake must already be done.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		log:     utils.Component("rpc"),
		pending: make(map[uint32]chan result),
		done:    make(chan struct{}),
	}
	go c.receive()
	return c
}

// Call sends req and waits for its response or for ctx. A non-zero status
// from the server comes back as a filesystem error carrying the errno.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.cause != nil {
		err := broken(c.cause)
		c.mu.Unlock()
		return Response{}, err
	}
	c.next++
	id := c.next
	c.pending[id] = ch
	c.mu.Unlock()

	frame := appendRequest(nil, id, &req)

	c.wmu.Lock()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	_, err := c.conn.Write(frame)
	c.wmu.Unlock()
	if err != nil {
		// a partial frame leaves the stream unusable
		c.fail(err)
		c.forget(id)
		return Response{}, c.Err()
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		c.forget(id)
		return Response{}, errors.Interrupted(ctx).WithComponent("rpc").WithOperation(req.Proc.String())
	}
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) receive() {
	for {
		f, err := readResponse(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[f.id]
		delete(c.pending, f.id)
		c.mu.Unlock()
		if !ok {
			// the caller gave up already
			c.log.Debug("dropping response", zap.Uint32("id", f.id), zap.Stringer("procedure", f.proc))
			continue
		}

		var res result
		switch {
		case !f.proc.Valid():
			res.err = errors.Newf(errors.ErrCodeMalformedOutput, "response with unknown procedure %d", uint8(f.proc)).WithComponent("rpc")
		case f.status != 0:
			res.err = errors.FromErrno(f.status, f.status.Error()).WithComponent("rpc").WithOperation(f.proc.String())
		default:
			res.resp, res.err = decodeResponse(f.proc, f.payload)
		}
		ch <- res
	}
}

func broken(cause error) *errors.Error {
	return errors.NewError(errors.ErrCodeBrokenPipe, "connection to server lost").WithComponent("rpc").WithCause(cause)
}

// fail marks the client broken and wakes every waiting caller.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.cause != nil {
		c.mu.Unlock()
		return
	}
	c.cause = cause
	pending := c.pending
	c.pending = make(map[uint32]chan result)
	c.mu.Unlock()

	c.log.Warn("server connection failed", zap.Error(cause), zap.Int("pending", len(pending)))
	_ = c.conn.Close()
	for _, ch := range pending {
		ch <- result{err: broken(cause)}
	}
	close(c.done)
}

// Err is nil while the client is usable.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cause == nil {
		return nil
	}
	return broken(c.cause)
}

// Done is closed once the client has failed or was closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down and fails pending calls.
func (c *Client) Close() error {
	c.fail(net.ErrClosed)
	return nil
}

// Handshake sends the ready line for version and checks that the peer
// sends the same one. Both sides call it right after connecting.
func Handshake(conn net.Conn, version string, timeout time.Duration) error {
	msg := ReadyString + ":" + version + "\n"
	frame := be.AppendUint32(nil, uint32(len(msg)))
	frame = append(frame, msg...)

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	sent := make(chan error, 1)
	go func() {
		_, err := conn.Write(frame)
		sent <- err
	}()

	got, err := readHandshake(conn, len(msg))
	if werr := <-sent; err == nil && werr != nil {
		err = werr
	}
	if err != nil {
		return errors.NewError(errors.ErrCodeBrokenPipe, "handshake failed").WithComponent("rpc").WithCause(err)
	}
	if got != msg {
		return errors.Newf(errors.ErrCodeMalformedOutput, "handshake mismatch: peer sent %q", got).WithComponent("rpc")
	}
	return nil
}

func readHandshake(conn net.Conn, want int) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", err
	}
	n := be.Uint32(hdr[:])
	if n > uint32(want)+64 {
		return "", errors.Newf(errors.ErrCodeMalformedOutput, "handshake of %d bytes", n).WithComponent("rpc")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
