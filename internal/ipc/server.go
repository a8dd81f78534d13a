package ipc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// State of a Server.
type State int32

const (
	StateCreated State = iota
	StateListening
	StateServing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateServing:
		return "serving"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handler answers one operation. The returned value is sent to the peer as
// JSON; an error becomes an error reply.
type Handler func(ctx context.Context, op Op) (interface{}, error)

// Server owns one bound unix socket and serves its peers one at a time.
type Server struct {
	path string
	ln   *net.UnixListener
	log  *zap.Logger

	state    atomic.Int32
	launched atomic.Bool

	mu   sync.Mutex
	peer *net.UnixConn

	closeOnce sync.Once
}

// NewServer binds path. A stale socket left by a dead process is removed;
// a socket with a live listener is refused.
func NewServer(path string) (*Server, error) {
	if err := removeStale(path); err != nil {
		return nil, err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOError, "failed to bind control socket").
			WithComponent("ipc").WithPath(path).WithCause(err)
	}
	ln.SetUnlinkOnClose(false)

	s := &Server{
		path: path,
		ln:   ln,
		log:  utils.Component("ipc").With(zap.String("socket", path)),
	}
	s.state.Store(int32(StateCreated))
	return s, nil
}

func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.NewError(errors.ErrCodeIOError, "cannot inspect socket path").
			WithComponent("ipc").WithPath(path).WithCause(err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return errors.NewError(errors.ErrCodeAlreadyExists, "path exists and is not a socket").
			WithComponent("ipc").WithPath(path)
	}
	if conn, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		conn.Close()
		return errors.NewError(errors.ErrCodeAlreadyExists, "socket is served by another process").
			WithComponent("ipc").WithPath(path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeIOError, "cannot remove stale socket").
			WithComponent("ipc").WithPath(path).WithCause(err)
	}
	return nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// State returns the current state.
func (s *Server) State() State { return State(s.state.Load()) }

// Launch runs the accept loop until Stop is called or ctx ends. Each peer
// is served to completion before the next is accepted. A server can be
// launched once.
func (s *Server) Launch(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.NewError(errors.ErrCodeInvalidArgument, "nil handler").WithComponent("ipc")
	}
	if !s.launched.CompareAndSwap(false, true) {
		return errors.NewError(errors.ErrCodeInvalidState, "server already launched").WithComponent("ipc")
	}
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateListening)) {
		return errors.NewError(errors.ErrCodeInvalidState, "server is "+s.State().String()).WithComponent("ipc")
	}

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	s.log.Info("control channel listening")
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if s.State() == StateStopped || stderrors.Is(err, net.ErrClosed) {
				s.log.Debug("accept loop exited")
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.serve(ctx, conn, handler)
	}
}

func (s *Server) serve(ctx context.Context, conn *net.UnixConn, handler Handler) {
	s.mu.Lock()
	if s.State() == StateStopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.peer = conn
	s.state.CompareAndSwap(int32(StateListening), int32(StateServing))
	s.mu.Unlock()

	s.log.Debug("peer connected")
	defer func() {
		s.mu.Lock()
		s.peer = nil
		s.state.CompareAndSwap(int32(StateServing), int32(StateListening))
		s.mu.Unlock()
		conn.Close()
		s.log.Debug("peer disconnected")
	}()

	for {
		body, err := ReadFrame(conn)
		var reply Reply
		switch {
		case err == nil:
			reply = s.dispatch(ctx, handler, body)
		case errors.HasCode(err, errors.ErrCodeMessageTooLarge):
			reply = errorReply(err)
		case stderrors.Is(err, io.EOF), stderrors.Is(err, net.ErrClosed):
			return
		default:
			s.log.Debug("read from peer failed", zap.Error(err))
			return
		}

		raw, err := json.Marshal(reply)
		if err != nil {
			raw, _ = json.Marshal(errorReply(err))
		}
		if err := WriteFrame(conn, raw); err != nil {
			s.log.Warn("failed to send reply", zap.Error(err))
			return
		}
		if s.State() == StateStopped {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, handler Handler, body []byte) Reply {
	op, err := ParseOp(body)
	if err != nil {
		s.log.Debug("rejected request", zap.ByteString("body", body), zap.Error(err))
		return errorReply(err)
	}

	start := time.Now()
	v, err := handler(ctx, op)
	if err != nil {
		s.log.Info("operation failed", zap.Stringer("op", op), zap.Error(err))
		return errorReply(err)
	}
	reply, err := successReply(v)
	if err != nil {
		return errorReply(err)
	}
	s.log.Debug("operation served", zap.Stringer("op", op), zap.Duration("duration", time.Since(start)))
	return reply
}

// Stop ends the accept loop. A reply being computed for the current peer
// is still delivered; no further requests are read.
func (s *Server) Stop() {
	s.mu.Lock()
	prev := State(s.state.Swap(int32(StateStopped)))
	peer := s.peer
	s.mu.Unlock()

	if prev == StateStopped {
		return
	}
	s.ln.Close()
	if peer != nil {
		// unblocks the pending read only; a reply in flight still goes out
		_ = peer.CloseRead()
	}
	s.log.Info("control channel stopped")
}

// Close stops the server and removes its socket file.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Stop()
		if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) {
			err = errors.NewError(errors.ErrCodeIOError, "failed to remove socket").
				WithComponent("ipc").WithPath(s.path).WithCause(rerr)
		}
	})
	return err
}
