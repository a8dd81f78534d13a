package connection

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs-sub001/internal/circuit"
	"github.com/mrizaln/madbfs-sub001/internal/devserver"
	"github.com/mrizaln/madbfs-sub001/internal/exec"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
)

// startDevice runs a device server on addr and returns a func stopping it.
func startDevice(t *testing.T, addr string) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = devserver.NewServer(devserver.NewHandler(), 4).Serve(ctx, ln)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return ln.Addr().String(), stop
}

func dialTestServer(t *testing.T, addr string) *Server {
	t.Helper()
	s, err := DialServer(context.Background(), ServerConfig{
		Address: addr,
		Timeout: 5 * time.Second,
		Breaker: circuit.Config{Threshold: 10, Timeout: time.Hour},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestServer_Operations(t *testing.T) {
	addr, _ := startDevice(t, "127.0.0.1:0")
	s := dialTestServer(t, addr)
	ctx := context.Background()
	dir := t.TempDir()
	file := filepath.Join(dir, "f")

	require.NoError(t, s.Mknod(ctx, file, 0o100644, 0))
	n, err := s.Write(ctx, file, []byte("hello world"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 64)
	n, err = s.Read(ctx, file, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	require.NoError(t, s.Mkdir(ctx, filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.Symlink("f", filepath.Join(dir, "link")))
	target, err := s.Readlink(ctx, filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "f", target)

	stream, err := s.StatDir(ctx, dir)
	require.NoError(t, err)
	entries, err := Collect(stream)
	require.NoError(t, err)
	names := map[string]types.Attr{}
	for _, e := range entries {
		names[e.Name] = e.Attr
	}
	require.Len(t, names, 3)
	assert.Equal(t, int64(11), names["f"].Size)
	assert.True(t, names["sub"].IsDir())
	assert.True(t, names["link"].IsSymlink())

	require.NoError(t, s.Truncate(ctx, file, 5))
	mtime := time.Unix(1600000000, 0)
	require.NoError(t, s.Utimens(ctx, file, types.TimeSpec{Omit: true}, types.TimeSpec{Time: mtime}))
	attr, err := s.Stat(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, int64(5), attr.Size)
	assert.True(t, attr.Mtime.Equal(mtime))

	copyTo := filepath.Join(dir, "copy")
	require.NoError(t, s.Mknod(ctx, copyTo, 0o100644, 0))
	copied, err := s.CopyFileRange(ctx, file, 1, copyTo, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), copied)

	require.NoError(t, s.Rename(ctx, copyTo, filepath.Join(dir, "moved"), 0))
	got, err := os.ReadFile(filepath.Join(dir, "moved"))
	require.NoError(t, err)
	assert.Equal(t, "ell", string(got))

	require.NoError(t, s.Unlink(ctx, filepath.Join(dir, "moved")))
	require.NoError(t, s.Rmdir(ctx, filepath.Join(dir, "sub")))
}

func TestServer_Errors(t *testing.T) {
	addr, _ := startDevice(t, "127.0.0.1:0")
	s := dialTestServer(t, addr)
	missing := filepath.Join(t.TempDir(), "missing")

	_, err := s.Stat(context.Background(), missing)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	e, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, missing, e.Path)
	assert.Equal(t, "stat", e.Operation)

	err = s.Rename(context.Background(), missing, missing+"2", RenameExchange)
	assert.Error(t, err)
	assert.Equal(t, circuit.StateClosed, s.Breaker().State(), "filesystem errors do not trip the breaker")
}

func TestServer_Reconnects(t *testing.T) {
	addr, stop := startDevice(t, "127.0.0.1:0")
	s := dialTestServer(t, addr)
	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := s.Stat(context.Background(), file)
	require.NoError(t, err)

	stop()
	_, err = s.Stat(context.Background(), file)
	assert.True(t, errors.HasCode(err, errors.ErrCodeBrokenPipe), "got %v", err)

	startDevice(t, addr)
	attr, err := s.Stat(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, int64(1), attr.Size)
}

func TestDialServer_NothingListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = DialServer(context.Background(), ServerConfig{Address: addr})
	assert.True(t, errors.HasCode(err, errors.ErrCodeBrokenPipe))
}

func TestLaunchServer(t *testing.T) {
	addr, _ := startDevice(t, "127.0.0.1:0")
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ex := &scriptExecutor{listing: "SERVER_IS_READY\n"}
	s, err := LaunchServer(context.Background(), LaunchConfig{
		Serial:   "R58M",
		Port:     port,
		Binary:   "/opt/madbfs/madbfs-server-arm64-v8a",
		Executor: ex,
	}, ServerConfig{})
	require.NoError(t, err)
	defer s.Close()

	fwd := "tcp:" + portStr
	ex.mu.Lock()
	cmds := append([]exec.Command(nil), ex.cmds...)
	ex.mu.Unlock()
	require.Len(t, cmds, 4)
	assert.Equal(t, []string{"adb", "-s", "R58M", "forward", fwd, fwd}, cmds[0].Args)
	assert.Equal(t, []string{"adb", "-s", "R58M", "push", "/opt/madbfs/madbfs-server-arm64-v8a", DeviceServerPath}, cmds[1].Args)
	assert.Equal(t, []string{"adb", "-s", "R58M", "shell", "chmod", "+x", DeviceServerPath}, cmds[2].Args)
	assert.Equal(t, []string{"adb", "-s", "R58M", "shell", DeviceServerPath, "--port", portStr}, cmds[3].Args)

	_, err = s.Stat(context.Background(), t.TempDir())
	assert.NoError(t, err)
}

func TestLaunchServer_NotReady(t *testing.T) {
	ex := &scriptExecutor{listing: "madbfs-server: permission denied\n"}
	_, err := LaunchServer(context.Background(), LaunchConfig{Port: 1, Binary: "madbfs-server", Executor: ex}, ServerConfig{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeMalformedOutput))

	ex = &scriptExecutor{respond: failWith("error: no devices/emulators found")}
	_, err = LaunchServer(context.Background(), LaunchConfig{Port: 1, Executor: ex}, ServerConfig{})
	assert.Error(t, err)
	assert.Equal(t, 1, ex.count(), "stops after the failed forward")
}
