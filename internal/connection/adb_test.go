package connection

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs-sub001/internal/circuit"
	"github.com/mrizaln/madbfs-sub001/internal/exec"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
)

// scriptExecutor answers Run with canned results and serves Start by
// printing canned output from a real process.
type scriptExecutor struct {
	mu      sync.Mutex
	cmds    []exec.Command
	respond func(cmd exec.Command) ([]byte, error)
	listing string
	stderr  string
}

func (s *scriptExecutor) Run(_ context.Context, cmd exec.Command) ([]byte, error) {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	if s.respond == nil {
		return nil, nil
	}
	return s.respond(cmd)
}

func (s *scriptExecutor) Start(ctx context.Context, cmd exec.Command) (*exec.Process, error) {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	return exec.Default.Start(ctx, exec.Command{
		Args: []string{"sh", "-c", `printf '%s' "$1"; printf '%s' "$2" >&2`, "sh", s.listing, s.stderr},
	})
}

func (s *scriptExecutor) last() exec.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmds[len(s.cmds)-1]
}

func (s *scriptExecutor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cmds)
}

func failWith(stderr string) func(exec.Command) ([]byte, error) {
	return func(cmd exec.Command) ([]byte, error) {
		return nil, exec.ExitError(cmd, 1, stderr, "")
	}
}

func newTestAdb(ex *scriptExecutor) *Adb {
	return NewAdb(AdbConfig{Serial: "R58M", Executor: ex, Breaker: circuit.Config{Threshold: 2, Timeout: time.Hour}})
}

func TestAdb_CommandLine(t *testing.T) {
	ex := &scriptExecutor{respond: func(exec.Command) ([]byte, error) {
		return []byte("81a4|1|5|0|0|1|2|3|/sdcard/a b\n"), nil
	}}
	a := newTestAdb(ex)

	attr, err := a.Stat(context.Background(), "/sdcard/a b")
	require.NoError(t, err)
	assert.Equal(t, int64(5), attr.Size)

	cmd := ex.last()
	assert.Equal(t, []string{"adb", "-s", "R58M", "shell", "stat -c '%f|%h|%s|%u|%g|%X|%Y|%Z|%n' '/sdcard/a b'"}, cmd.Args)
	assert.True(t, cmd.Check)
	assert.Equal(t, "adb", a.Name())
}

func TestAdb_ErrorClassification(t *testing.T) {
	ex := &scriptExecutor{respond: failWith("stat: '/sdcard/x': No such file or directory")}
	a := newTestAdb(ex)

	_, err := a.Stat(context.Background(), "/sdcard/x")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	assert.False(t, errors.IsTransport(err))

	e, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "/sdcard/x", e.Path)
	assert.Equal(t, "stat", e.Operation)
}

func TestAdb_StatMalformed(t *testing.T) {
	ex := &scriptExecutor{respond: func(exec.Command) ([]byte, error) { return []byte("oops"), nil }}
	_, err := newTestAdb(ex).Stat(context.Background(), "/a")
	assert.True(t, errors.HasCode(err, errors.ErrCodeMalformedOutput))
}

func TestAdb_BreakerOpensOnMissingDevice(t *testing.T) {
	ex := &scriptExecutor{respond: failWith("adb: no devices/emulators found")}
	a := newTestAdb(ex)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := a.Mkdir(ctx, "/sdcard/d", 0o755)
		assert.True(t, errors.HasCode(err, errors.ErrCodeNoDevice))
		assert.True(t, errors.IsRetryable(err))
	}
	assert.Equal(t, circuit.StateOpen, a.Breaker().State())

	err := a.Mkdir(ctx, "/sdcard/d", 0o755)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTryAgain))
	assert.Equal(t, 2, ex.count(), "open breaker must not spawn adb")
}

func TestAdb_ReadWrite(t *testing.T) {
	ex := &scriptExecutor{respond: func(cmd exec.Command) ([]byte, error) {
		if strings.HasPrefix(cmd.Args[4], "dd iflag") {
			return []byte("hello"), nil
		}
		return nil, nil
	}}
	a := newTestAdb(ex)
	ctx := context.Background()

	buf := make([]byte, 16)
	n, err := a.Read(ctx, "/sdcard/f", buf, 4096)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, "dd iflag=skip_bytes,count_bytes skip=4096 count=16 if='/sdcard/f'", ex.last().Args[4])

	n, err = a.Write(ctx, "/sdcard/f", []byte("data"), 10)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	cmd := ex.last()
	assert.Equal(t, "dd oflag=seek_bytes conv=notrunc seek=10 of='/sdcard/f'", cmd.Args[4])
	assert.Equal(t, []byte("data"), cmd.Stdin)
}

func TestAdb_Rename(t *testing.T) {
	ex := &scriptExecutor{}
	a := newTestAdb(ex)
	ctx := context.Background()

	require.NoError(t, a.Rename(ctx, "/a", "/b", 0))
	assert.Equal(t, "mv '/a' '/b'", ex.last().Args[4])

	require.NoError(t, a.Rename(ctx, "/a", "/b", RenameNoReplace))
	assert.Contains(t, ex.last().Args[4], "mv -n '/a' '/b'")

	err := a.Rename(ctx, "/a", "/b", RenameExchange)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))

	ex.respond = failWith("mv: File exists")
	err = a.Rename(ctx, "/a", "/b", RenameNoReplace)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyExists))
}

func TestAdb_Utimens(t *testing.T) {
	ex := &scriptExecutor{}
	a := newTestAdb(ex)
	ctx := context.Background()

	mtime := time.Unix(1700000000, 5)
	require.NoError(t, a.Utimens(ctx, "/f", types.TimeSpec{Omit: true}, types.TimeSpec{Time: mtime}))
	assert.Equal(t, 1, ex.count())
	assert.Equal(t, "touch -c -m -d @1700000000.000000005 '/f'", ex.last().Args[4])

	require.NoError(t, a.Utimens(ctx, "/f", types.TimeSpec{Now: true}, types.TimeSpec{Omit: true}))
	assert.Equal(t, "touch -c -a '/f'", ex.last().Args[4])
}

func TestAdb_CopyFileRange(t *testing.T) {
	ex := &scriptExecutor{respond: func(exec.Command) ([]byte, error) {
		return []byte("2+0 records in\n2+0 records out\n1024 bytes (1.0 K) copied, 0.01 s, 100 K/s\n"), nil
	}}
	a := newTestAdb(ex)

	n, err := a.CopyFileRange(context.Background(), "/a", 0, "/b", 512, 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)
	assert.True(t, ex.last().MergeErr)
	assert.Contains(t, ex.last().Args[4], "if='/a' of='/b'")
}

func TestAdb_MknodRejectsSpecialFiles(t *testing.T) {
	ex := &scriptExecutor{}
	err := newTestAdb(ex).Mknod(context.Background(), "/fifo", 0o010644, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotSupported))
	assert.Equal(t, 0, ex.count())
}

func TestAdb_StatDir(t *testing.T) {
	ex := &scriptExecutor{listing: strings.Join([]string{
		"41f9|3|3452|0|9997|1|2|3|/sdcard",
		"81a4|1|10|0|0|1|2|3|/sdcard/a.txt",
		"41f9|2|3452|0|0|1|2|3|/sdcard/with space",
		"81a4|1|7|0|0|1|2|3|/sdcard/two",
		"lines",
		"81a4|1|1|0|0|1|2|3|/sdcard/last",
	}, "\n") + "\n"}
	a := newTestAdb(ex)

	stream, err := a.StatDir(context.Background(), "/sdcard")
	require.NoError(t, err)
	entries, err := Collect(stream)
	require.NoError(t, err)

	require.Len(t, entries, 4)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, int64(10), entries[0].Attr.Size)
	assert.Equal(t, "with space", entries[1].Name)
	assert.True(t, entries[1].Attr.IsDir())
	assert.Equal(t, "two\nlines", entries[2].Name)
	assert.Equal(t, int64(7), entries[2].Attr.Size)
	assert.Equal(t, "last", entries[3].Name)
}

func TestAdb_StatDirNewlineInLastName(t *testing.T) {
	ex := &scriptExecutor{listing: "41f9|3|3452|0|9997|1|2|3|/sdcard\n81a4|1|7|0|0|1|2|3|/sdcard/a\n\nb\n"}
	stream, err := newTestAdb(ex).StatDir(context.Background(), "/sdcard")
	require.NoError(t, err)
	entries, err := Collect(stream)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a\n\nb", entries[0].Name)
}

func TestAdb_StatDirMalformed(t *testing.T) {
	ex := &scriptExecutor{listing: "not a stat record\n41f9|3|3452|0|9997|1|2|3|/sdcard\n"}
	stream, err := newTestAdb(ex).StatDir(context.Background(), "/sdcard")
	require.NoError(t, err)

	_, err = Collect(stream)
	assert.True(t, errors.HasCode(err, errors.ErrCodeMalformedOutput), "got %v", err)
}

func TestAdb_StatDirMissing(t *testing.T) {
	ex := &scriptExecutor{stderr: "find: '/sdcard/nope': No such file or directory\n"}
	stream, err := newTestAdb(ex).StatDir(context.Background(), "/sdcard/nope")
	require.NoError(t, err)

	_, err = Collect(stream)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestListDevices(t *testing.T) {
	ex := &scriptExecutor{respond: func(exec.Command) ([]byte, error) {
		return []byte("List of devices attached\nR58M\tdevice\n"), nil
	}}
	devices, err := ListDevices(context.Background(), ex, "adb")
	require.NoError(t, err)
	assert.Equal(t, []Device{{Serial: "R58M", Status: DeviceOnline}}, devices)
	assert.Equal(t, []string{"adb", "devices"}, ex.last().Args)

	require.NoError(t, StartServer(context.Background(), ex, "adb"))
	assert.Equal(t, []string{"adb", "start-server"}, ex.last().Args)
}

func TestAdb_Getprop(t *testing.T) {
	ex := &scriptExecutor{respond: func(exec.Command) ([]byte, error) {
		return []byte("arm64-v8a\r\n"), nil
	}}
	abi, err := newTestAdb(ex).Getprop(context.Background(), "ro.product.cpu.abi")
	require.NoError(t, err)
	assert.Equal(t, "arm64-v8a", abi)
	assert.Equal(t, []string{"adb", "-s", "R58M", "shell", "getprop 'ro.product.cpu.abi'"}, ex.last().Args)
}
