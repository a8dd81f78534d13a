package connection

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mrizaln/madbfs-sub001/internal/circuit"
	"github.com/mrizaln/madbfs-sub001/internal/exec"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// AdbConfig configures an Adb connection.
type AdbConfig struct {
	// Path of the adb binary.
	AdbPath string
	// Serial selects the device. Empty uses ANDROID_SERIAL or the only device.
	Serial string
	// Timeout bounds each remote command; zero means none.
	Timeout time.Duration
	// Breaker guards the transport.
	Breaker circuit.Config
	// Executor runs adb; defaults to exec.Default.
	Executor exec.Executor
	// Metrics receives one sample per remote command.
	Metrics types.MetricsCollector
}

// Adb implements Connection through `adb shell` and the device's toybox.
type Adb struct {
	adbPath string
	serial  string
	timeout time.Duration
	exec    exec.Executor
	breaker *circuit.Breaker
	metrics types.MetricsCollector
	log     *zap.Logger
}

var _ Connection = (*Adb)(nil)

// NewAdb creates an adb-backed connection.
func NewAdb(cfg AdbConfig) *Adb {
	if cfg.AdbPath == "" {
		cfg.AdbPath = "adb"
	}
	if cfg.Serial == "" {
		cfg.Serial = os.Getenv("ANDROID_SERIAL")
	}
	if cfg.Executor == nil {
		cfg.Executor = exec.Default
	}
	if cfg.Metrics == nil {
		cfg.Metrics = types.NopMetrics{}
	}

	return &Adb{
		adbPath: cfg.AdbPath,
		serial:  cfg.Serial,
		timeout: cfg.Timeout,
		exec:    cfg.Executor,
		breaker: circuit.New("adb", cfg.Breaker),
		metrics: cfg.Metrics,
		log:     utils.Component("connection").With(zap.String("serial", cfg.Serial)),
	}
}

// Name returns the backend name.
func (a *Adb) Name() string { return "adb" }

// Serial returns the device serial, empty when adb picks the device.
func (a *Adb) Serial() string { return a.serial }

// Breaker exposes the transport breaker.
func (a *Adb) Breaker() *circuit.Breaker { return a.breaker }

func (a *Adb) adbArgs(extra ...string) []string {
	args := []string{a.adbPath}
	if a.serial != "" {
		args = append(args, "-s", a.serial)
	}
	return append(args, extra...)
}

// shell runs one command line on the device and classifies its failure.
func (a *Adb) shell(ctx context.Context, op, path string, stdin []byte, mergeErr bool, argv ...string) ([]byte, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	cmd := exec.Command{
		Args:     a.adbArgs("shell", strings.Join(argv, " ")),
		Stdin:    stdin,
		Check:    true,
		MergeErr: mergeErr,
	}

	var out []byte
	start := time.Now()
	err := a.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.exec.Run(ctx, cmd)
		if err != nil {
			return a.classify(err, op, path)
		}
		return nil
	})
	a.metrics.RecordRemoteCommand(op, time.Since(start), err == nil)

	if err != nil {
		a.log.Debug("remote command failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return out, nil
}

func (a *Adb) classify(err error, op, path string) error {
	stderr, ok := exec.Stderr(err)
	if !ok {
		if e, isOurs := errors.As(err); isOurs {
			return e.WithOperation(op).WithPath(path)
		}
		return err
	}

	code := ClassifyStderr(stderr, a.serial)
	return errors.NewError(code, stderr).
		WithComponent("connection").
		WithOperation(op).
		WithPath(path).
		WithCause(err).
		WithRetryable(errors.IsRetryableByDefault(code))
}

// StatDir lists the direct children of path. The listing is produced by
// find on the device and parsed while it streams.
func (a *Adb) StatDir(ctx context.Context, path string) (DirStream, error) {
	line := strings.Join([]string{
		"find", quote(path), "-maxdepth", "1", "-exec", "stat", "-c", quote(statFormat), "{}", "+",
	}, " ")

	var proc *exec.Process
	err := a.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		proc, err = a.exec.Start(ctx, exec.Command{Args: a.adbArgs("shell", line)})
		if err != nil {
			return a.classify(err, "statdir", path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &adbDirStream{
		adb:     a,
		path:    path,
		proc:    proc,
		scanner: bufio.NewScanner(proc.Stdout),
		start:   time.Now(),
	}, nil
}

type adbDirStream struct {
	adb     *Adb
	path    string
	proc    *exec.Process
	scanner *bufio.Scanner
	start   time.Time

	entry     DirEntry
	pending   *statRecord
	malformed error
	sawSelf   bool
	done      bool
	err       error
}

type statRecord struct {
	attr    types.Attr
	printed string
}

func (s *adbDirStream) Next() bool {
	if s.done {
		return false
	}
	for {
		rec, ok := s.record()
		if !ok {
			s.finish(s.scanner.Err())
			return false
		}
		if rec.printed == s.path {
			s.sawSelf = true
			continue
		}
		s.entry = DirEntry{Name: utils.BaseName(rec.printed), Attr: rec.attr}
		return true
	}
}

// record returns the next complete stat record. %n is the last field, so a
// name holding a newline spills onto the following lines; any line that is
// not a record of this directory continues the name before it.
func (s *adbDirStream) record() (statRecord, bool) {
	for s.malformed == nil && s.scanner.Scan() {
		line := s.scanner.Text()
		attr, printed, err := parseStatLine(line)
		if err == nil && s.within(printed) {
			prev := s.pending
			s.pending = &statRecord{attr: attr, printed: printed}
			if prev != nil {
				return *prev, true
			}
			continue
		}
		if s.pending == nil {
			s.malformed = malformed("statdir", line).WithOperation("statdir").WithPath(s.path)
			break
		}
		s.pending.printed += "\n" + line
	}
	if s.pending == nil {
		return statRecord{}, false
	}
	rec := *s.pending
	s.pending = nil
	return rec, true
}

func (s *adbDirStream) within(printed string) bool {
	if printed == s.path {
		return true
	}
	prefix := s.path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	rest, ok := strings.CutPrefix(printed, prefix)
	return ok && rest != "" && !strings.Contains(rest, "/")
}

func (s *adbDirStream) finish(scanErr error) {
	s.done = true
	if s.malformed != nil {
		s.proc.Kill()
	}
	waitErr := s.proc.Wait()
	s.adb.metrics.RecordRemoteCommand("statdir", time.Since(s.start), scanErr == nil && s.malformed == nil && s.sawSelf)

	switch {
	case scanErr != nil:
		s.err = errors.NewError(errors.ErrCodeBrokenPipe, "failed reading directory listing").
			WithComponent("connection").WithOperation("statdir").WithPath(s.path).WithCause(scanErr)
	case s.malformed != nil:
		s.adb.log.Error("parsing directory listing failed", zap.String("path", s.path), zap.Error(s.malformed))
		s.err = s.malformed
	case waitErr != nil:
		s.err = s.adb.classify(waitErr, "statdir", s.path)
	case !s.sawSelf:
		// find exits non-zero only on some builds; a missing self record
		// means the directory itself could not be listed
		code := ClassifyStderr(s.proc.Stderr(), s.adb.serial)
		s.err = errors.NewError(code, strings.TrimSpace(s.proc.Stderr())).
			WithComponent("connection").WithOperation("statdir").WithPath(s.path).
			WithRetryable(errors.IsRetryableByDefault(code))
	}
}

func (s *adbDirStream) Entry() DirEntry { return s.entry }

func (s *adbDirStream) Err() error { return s.err }

func (s *adbDirStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	s.proc.Kill()
	_ = s.proc.Wait()
	return nil
}

// Stat returns the attributes of path without following a final symlink.
func (a *Adb) Stat(ctx context.Context, path string) (types.Attr, error) {
	out, err := a.shell(ctx, "stat", path, nil, false, "stat", "-c", quote(statFormat), quote(path))
	if err != nil {
		return types.Attr{}, err
	}
	attr, _, err := parseStatLine(strings.TrimSpace(string(out)))
	if err != nil {
		a.log.Error("parsing stat failed", zap.String("path", path), zap.Error(err))
		return types.Attr{}, err
	}
	return attr, nil
}

// Readlink returns the raw link target.
func (a *Adb) Readlink(ctx context.Context, path string) (string, error) {
	out, err := a.shell(ctx, "readlink", path, nil, false, "readlink", quote(path))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\r\n"), nil
}

// Mknod creates an empty regular file. Other node types are not supported.
func (a *Adb) Mknod(ctx context.Context, path string, mode uint32, _ uint64) error {
	if t := mode & syscall.S_IFMT; t != 0 && t != syscall.S_IFREG {
		return errors.NewError(errors.ErrCodeNotSupported, "only regular files can be created").
			WithComponent("connection").WithOperation("mknod").WithPath(path)
	}
	_, err := a.shell(ctx, "mknod", path, nil, false, "touch", quote(path))
	return err
}

func (a *Adb) Mkdir(ctx context.Context, path string, _ uint32) error {
	_, err := a.shell(ctx, "mkdir", path, nil, false, "mkdir", quote(path))
	return err
}

func (a *Adb) Unlink(ctx context.Context, path string) error {
	_, err := a.shell(ctx, "unlink", path, nil, false, "rm", quote(path))
	return err
}

func (a *Adb) Rmdir(ctx context.Context, path string) error {
	_, err := a.shell(ctx, "rmdir", path, nil, false, "rmdir", quote(path))
	return err
}

// Rename moves from to to. RenameExchange has no mv equivalent and is
// rejected with INVALID_ARGUMENT, which is what rename(2) reports for
// filesystems lacking exchange support.
func (a *Adb) Rename(ctx context.Context, from, to string, flags uint32) error {
	switch {
	case flags&RenameExchange != 0:
		return errors.NewError(errors.ErrCodeInvalidArgument, "exchange rename not supported").
			WithComponent("connection").WithOperation("rename").WithPath(from)
	case flags&RenameNoReplace != 0:
		// mv -n succeeds silently when the target exists; the source still
		// being there is how that is detected
		_, err := a.shell(ctx, "rename", from, nil, false,
			"mv", "-n", quote(from), quote(to), "||", "exit", "$?;",
			"if", "[", "-e", quote(from), "]", "||", "[", "-L", quote(from), "];",
			"then", "echo", quote("mv: File exists"), ">&2;", "exit", "1;", "fi")
		return err
	default:
		_, err := a.shell(ctx, "rename", from, nil, false, "mv", quote(from), quote(to))
		return err
	}
}

func (a *Adb) Truncate(ctx context.Context, path string, size int64) error {
	_, err := a.shell(ctx, "truncate", path, nil, false, "truncate", "-s", strconv.FormatInt(size, 10), quote(path))
	return err
}

// Read reads up to len(buf) bytes at off. Fewer bytes mean end of file.
func (a *Adb) Read(ctx context.Context, path string, buf []byte, off int64) (int, error) {
	out, err := a.shell(ctx, "read", path, nil, false,
		"dd", "iflag=skip_bytes,count_bytes",
		"skip="+strconv.FormatInt(off, 10),
		"count="+strconv.Itoa(len(buf)),
		"if="+quote(path))
	if err != nil {
		return 0, err
	}
	return copy(buf, out), nil
}

// Write writes data at off without truncating the file.
func (a *Adb) Write(ctx context.Context, path string, data []byte, off int64) (int, error) {
	_, err := a.shell(ctx, "write", path, data, false,
		"dd", "oflag=seek_bytes", "conv=notrunc",
		"seek="+strconv.FormatInt(off, 10),
		"of="+quote(path))
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Utimens sets access and modification times, one touch per timestamp.
func (a *Adb) Utimens(ctx context.Context, path string, atime, mtime types.TimeSpec) error {
	for _, ts := range []struct {
		spec types.TimeSpec
		flag string
	}{{atime, "-a"}, {mtime, "-m"}} {
		if ts.spec.Omit {
			continue
		}
		argv := []string{"touch", "-c", ts.flag}
		if !ts.spec.Now {
			t := ts.spec.Time
			argv = append(argv, "-d", fmt.Sprintf("@%d.%09d", t.Unix(), t.Nanosecond()))
		}
		argv = append(argv, quote(path))
		if _, err := a.shell(ctx, "utimens", path, nil, false, argv...); err != nil {
			return err
		}
	}
	return nil
}

// CopyFileRange copies on the device without moving data through the host.
func (a *Adb) CopyFileRange(ctx context.Context, in string, offIn int64, out string, offOut int64, size int64) (int64, error) {
	res, err := a.shell(ctx, "copy_file_range", in, nil, true,
		"dd", "iflag=skip_bytes,count_bytes", "oflag=seek_bytes", "conv=notrunc",
		"skip="+strconv.FormatInt(offIn, 10),
		"count="+strconv.FormatInt(size, 10),
		"seek="+strconv.FormatInt(offOut, 10),
		"if="+quote(in),
		"of="+quote(out))
	if err != nil {
		return 0, err
	}

	n, ok := parseCopied(string(res))
	if !ok {
		return 0, malformed("dd", strings.TrimSpace(string(res))).WithOperation("copy_file_range").WithPath(in)
	}
	return n, nil
}

// Getprop reads one system property of the device.
func (a *Adb) Getprop(ctx context.Context, name string) (string, error) {
	out, err := a.shell(ctx, "getprop", name, nil, false, "getprop", quote(name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// StartServer makes sure the adb daemon is running.
func StartServer(ctx context.Context, executor exec.Executor, adbPath string) error {
	if executor == nil {
		executor = exec.Default
	}
	_, err := executor.Run(ctx, exec.Command{Args: []string{adbPath, "start-server"}, Check: true})
	return err
}

// ListDevices returns the devices known to the adb daemon.
func ListDevices(ctx context.Context, executor exec.Executor, adbPath string) ([]Device, error) {
	if executor == nil {
		executor = exec.Default
	}
	out, err := executor.Run(ctx, exec.Command{Args: []string{adbPath, "devices"}, Check: true})
	if err != nil {
		return nil, err
	}
	return parseDevices(string(out)), nil
}

// PickDevice chooses the device to mount: the requested serial if attached
// and online, otherwise the only online device.
func PickDevice(devices []Device, serial string) (Device, error) {
	var online []Device
	for _, d := range devices {
		if serial != "" && d.Serial == serial {
			if d.Status != DeviceOnline && d.Status != DeviceEmulator {
				return Device{}, errors.Newf(errors.ErrCodeNoDevice, "device %s is %s", serial, d.Status)
			}
			return d, nil
		}
		if d.Status == DeviceOnline || d.Status == DeviceEmulator {
			online = append(online, d)
		}
	}

	switch {
	case serial != "":
		return Device{}, errors.Newf(errors.ErrCodeNoDevice, "device %s not found", serial)
	case len(online) == 0:
		return Device{}, errors.NewError(errors.ErrCodeNoDevice, "no online device")
	case len(online) > 1:
		return Device{}, errors.Newf(errors.ErrCodeInvalidArgument, "%d devices attached, select one with ANDROID_SERIAL or --serial", len(online))
	}
	return online[0], nil
}
