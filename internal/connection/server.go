package connection

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mrizaln/madbfs-sub001/internal/circuit"
	"github.com/mrizaln/madbfs-sub001/internal/exec"
	"github.com/mrizaln/madbfs-sub001/internal/rpc"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

const (
	// DeviceServerPath is where LaunchServer installs the server binary.
	DeviceServerPath = "/data/local/tmp/madbfs-server"

	handshakeTimeout = 5 * time.Second
	readyTimeout     = 5 * time.Second
)

// ServerConfig configures a Server connection.
type ServerConfig struct {
	// Address of the forwarded server port, usually 127.0.0.1:<port>.
	Address string
	// Timeout bounds each call; zero means none.
	Timeout time.Duration
	// Breaker guards the transport. Unless Trips is set it counts
	// NO_DEVICE and BROKEN_PIPE failures.
	Breaker circuit.Config
	// Metrics receives one sample per call.
	Metrics types.MetricsCollector
}

// Server implements Connection by talking to madbfs-server on the device
// through a forwarded TCP port. A lost connection is re-established by the
// next call.
type Server struct {
	address string
	timeout time.Duration
	breaker *circuit.Breaker
	metrics types.MetricsCollector
	log     *zap.Logger

	mu     sync.Mutex
	client *rpc.Client
	proc   *exec.Process
}

var _ Connection = (*Server)(nil)

func serverTrips(err error) bool {
	return errors.HasCode(err, errors.ErrCodeNoDevice) || errors.HasCode(err, errors.ErrCodeBrokenPipe)
}

// DialServer connects to a running server and completes the handshake.
func DialServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if cfg.Metrics == nil {
		cfg.Metrics = types.NopMetrics{}
	}
	if cfg.Breaker.Trips == nil {
		cfg.Breaker.Trips = serverTrips
	}
	s := &Server{
		address: cfg.Address,
		timeout: cfg.Timeout,
		breaker: circuit.New("server", cfg.Breaker),
		metrics: cfg.Metrics,
		log:     utils.Component("connection").With(zap.String("server", cfg.Address)),
	}
	if _, err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the backend name.
func (s *Server) Name() string { return "server" }

// Breaker exposes the transport breaker.
func (s *Server) Breaker() *circuit.Breaker { return s.breaker }

func (s *Server) connect(ctx context.Context) (*rpc.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		if s.client.Err() == nil {
			return s.client, nil
		}
		s.log.Info("reconnecting to server")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeBrokenPipe, "cannot reach server").
			WithComponent("connection").WithCause(err)
	}
	if err := rpc.Handshake(conn, rpc.ProtocolVersion, handshakeTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.client = rpc.NewClient(conn)
	return s.client, nil
}

func (s *Server) call(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	op := req.Proc.String()
	var resp rpc.Response
	start := time.Now()
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		client, err := s.connect(ctx)
		if err != nil {
			return err
		}
		resp, err = client.Call(ctx, req)
		return err
	})
	s.metrics.RecordRemoteCommand(op, time.Since(start), err == nil)

	if err != nil {
		if e, ok := errors.As(err); ok {
			err = e.WithComponent("connection").WithOperation(op).WithPath(req.Path)
		}
		s.log.Debug("remote call failed", zap.String("op", op), zap.String("path", req.Path), zap.Error(err))
		return rpc.Response{}, err
	}
	return resp, nil
}

func attrOf(st rpc.Stat) types.Attr {
	return types.Attr{
		Links: st.Links,
		Size:  st.Size,
		Mtime: st.Mtime.Time(),
		Atime: st.Atime.Time(),
		Ctime: st.Ctime.Time(),
		Mode:  st.Mode,
		UID:   st.UID,
		GID:   st.GID,
	}
}

func timespecOf(ts types.TimeSpec) rpc.Timespec {
	switch {
	case ts.Omit:
		return rpc.Timespec{Nsec: unix.UTIME_OMIT}
	case ts.Now:
		return rpc.Timespec{Nsec: unix.UTIME_NOW}
	}
	return rpc.TimespecOf(ts.Time)
}

// StatDir lists path in one round trip. The stream is already complete
// when returned.
func (s *Server) StatDir(ctx context.Context, path string) (DirStream, error) {
	resp, err := s.call(ctx, rpc.Request{Proc: rpc.ProcListdir, Path: path})
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		entries = append(entries, DirEntry{Name: e.Name, Attr: attrOf(e.Stat)})
	}
	return NewSliceStream(entries, nil), nil
}

func (s *Server) Stat(ctx context.Context, path string) (types.Attr, error) {
	resp, err := s.call(ctx, rpc.Request{Proc: rpc.ProcStat, Path: path})
	if err != nil {
		return types.Attr{}, err
	}
	return attrOf(resp.Stat), nil
}

func (s *Server) Readlink(ctx context.Context, path string) (string, error) {
	resp, err := s.call(ctx, rpc.Request{Proc: rpc.ProcReadlink, Path: path})
	return resp.Target, err
}

func (s *Server) Mknod(ctx context.Context, path string, mode uint32, dev uint64) error {
	_, err := s.call(ctx, rpc.Request{Proc: rpc.ProcMknod, Path: path, Mode: mode, Dev: dev})
	return err
}

func (s *Server) Mkdir(ctx context.Context, path string, mode uint32) error {
	_, err := s.call(ctx, rpc.Request{Proc: rpc.ProcMkdir, Path: path, Mode: mode})
	return err
}

func (s *Server) Unlink(ctx context.Context, path string) error {
	_, err := s.call(ctx, rpc.Request{Proc: rpc.ProcUnlink, Path: path})
	return err
}

func (s *Server) Rmdir(ctx context.Context, path string) error {
	_, err := s.call(ctx, rpc.Request{Proc: rpc.ProcRmdir, Path: path})
	return err
}

func (s *Server) Rename(ctx context.Context, from, to string, flags uint32) error {
	_, err := s.call(ctx, rpc.Request{Proc: rpc.ProcRename, Path: from, To: to, Flags: flags})
	return err
}

func (s *Server) Truncate(ctx context.Context, path string, size int64) error {
	_, err := s.call(ctx, rpc.Request{Proc: rpc.ProcTruncate, Path: path, Size: size})
	return err
}

// Read reads up to len(buf) bytes at off. Fewer bytes mean end of file.
func (s *Server) Read(ctx context.Context, path string, buf []byte, off int64) (int, error) {
	resp, err := s.call(ctx, rpc.Request{Proc: rpc.ProcRead, Path: path, Offset: off, Size: int64(len(buf))})
	if err != nil {
		return 0, err
	}
	return copy(buf, resp.Data), nil
}

func (s *Server) Write(ctx context.Context, path string, data []byte, off int64) (int, error) {
	resp, err := s.call(ctx, rpc.Request{Proc: rpc.ProcWrite, Path: path, Offset: off, Data: data})
	if err != nil {
		return 0, err
	}
	return int(resp.Size), nil
}

func (s *Server) Utimens(ctx context.Context, path string, atime, mtime types.TimeSpec) error {
	_, err := s.call(ctx, rpc.Request{Proc: rpc.ProcUtimens, Path: path, Atime: timespecOf(atime), Mtime: timespecOf(mtime)})
	return err
}

func (s *Server) CopyFileRange(ctx context.Context, in string, offIn int64, out string, offOut int64, size int64) (int64, error) {
	resp, err := s.call(ctx, rpc.Request{
		Proc: rpc.ProcCopyFileRange, Path: in, Offset: offIn, To: out, OutOffset: offOut, Size: size,
	})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// Close drops the connection and stops a server started by LaunchServer.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.client != nil {
		err = s.client.Close()
		s.client = nil
	}
	if s.proc != nil {
		s.proc.Kill()
		_ = s.proc.Wait()
		s.proc = nil
	}
	return err
}

// LaunchConfig describes how to bring up the device server.
type LaunchConfig struct {
	AdbPath string
	Serial  string
	Port    int
	// Binary is a local madbfs-server build pushed to DeviceServerPath and
	// started there. Empty only connects to a server already running.
	Binary string
	// Executor runs adb; defaults to exec.Default.
	Executor exec.Executor
}

// LaunchServer forwards the server port, optionally installs and starts the
// server, and connects to it. Any failure is returned so the caller can
// fall back to plain adb.
func LaunchServer(ctx context.Context, lc LaunchConfig, cfg ServerConfig) (*Server, error) {
	if lc.AdbPath == "" {
		lc.AdbPath = "adb"
	}
	if lc.Executor == nil {
		lc.Executor = exec.Default
	}
	log := utils.Component("connection").With(zap.Int("port", lc.Port))

	adb := func(extra ...string) []string {
		args := []string{lc.AdbPath}
		if lc.Serial != "" {
			args = append(args, "-s", lc.Serial)
		}
		return append(args, extra...)
	}
	run := func(extra ...string) error {
		_, err := lc.Executor.Run(ctx, exec.Command{Args: adb(extra...), Check: true})
		return err
	}

	port := "tcp:" + strconv.Itoa(lc.Port)
	if err := run("forward", port, port); err != nil {
		return nil, err
	}

	var proc *exec.Process
	if lc.Binary != "" {
		if err := run("push", lc.Binary, DeviceServerPath); err != nil {
			return nil, err
		}
		if err := run("shell", "chmod", "+x", DeviceServerPath); err != nil {
			return nil, err
		}

		var err error
		proc, err = lc.Executor.Start(context.WithoutCancel(ctx), exec.Command{
			Args: adb("shell", DeviceServerPath, "--port", strconv.Itoa(lc.Port)),
		})
		if err != nil {
			return nil, err
		}
		if err := awaitReady(ctx, proc); err != nil {
			proc.Kill()
			_ = proc.Wait()
			return nil, err
		}
		log.Info("server started", zap.String("binary", lc.Binary))
	}

	if cfg.Address == "" {
		cfg.Address = net.JoinHostPort("127.0.0.1", strconv.Itoa(lc.Port))
	}
	s, err := DialServer(ctx, cfg)
	if err != nil {
		if proc != nil {
			proc.Kill()
			_ = proc.Wait()
		}
		return nil, err
	}
	s.proc = proc
	return s, nil
}

// awaitReady waits for the ready line and keeps draining stdout afterwards
// so the server never blocks on a full pipe.
func awaitReady(ctx context.Context, proc *exec.Process) error {
	line := make(chan string, 1)
	go func() {
		r := bufio.NewReader(proc.Stdout)
		s, _ := r.ReadString('\n')
		line <- s
		_, _ = io.Copy(io.Discard, r)
	}()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	select {
	case s := <-line:
		if got := strings.TrimSpace(s); got != rpc.ReadyString {
			return errors.NewError(errors.ErrCodeMalformedOutput, fmt.Sprintf("server did not report ready: %q", got)).
				WithComponent("connection")
		}
		return nil
	case <-timer.C:
		return errors.NewError(errors.ErrCodeTimeout, "server did not report ready in time").WithComponent("connection")
	case <-ctx.Done():
		return errors.Interrupted(ctx).WithComponent("connection")
	}
}
