// Command madbfs mounts the filesystem of an Android device reached over
// adb.
//
//	madbfs [flags] <mountpoint>
//
// Settings are layered: built-in defaults, then the YAML file given with
// -config, then MADBFS_* environment variables, then flags.
//
// File operations go through madbfs-server on the device when a build of it
// can be found and started, and through adb shell commands otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mrizaln/madbfs-sub001/internal/cache"
	"github.com/mrizaln/madbfs-sub001/internal/circuit"
	"github.com/mrizaln/madbfs-sub001/internal/config"
	"github.com/mrizaln/madbfs-sub001/internal/connection"
	"github.com/mrizaln/madbfs-sub001/internal/control"
	"github.com/mrizaln/madbfs-sub001/internal/fuse"
	"github.com/mrizaln/madbfs-sub001/internal/ipc"
	"github.com/mrizaln/madbfs-sub001/internal/metrics"
	"github.com/mrizaln/madbfs-sub001/internal/tree"
	"github.com/mrizaln/madbfs-sub001/pkg/retry"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

const (
	shutdownTimeout = 30 * time.Second
	// largest write the kernel will hand to go-fuse in one request
	maxWrite = 1024 * 1024
)

var version = "dev"

type flags struct {
	configFile  string
	serial      string
	adbPath     string
	logLevel    string
	logFormat   string
	logFile     string
	cacheSize   int64
	pageSize    int64
	ttl         int64
	timeout     int64
	readOnly    bool
	allowOther  bool
	debug       bool
	noServer    bool
	server      string
	port        int
	adbOnly     bool
	metrics     bool
	metricsPort int
	writeConfig string
	version     bool
}

func parseFlags(args []string) (*flags, *flag.FlagSet, error) {
	f := &flags{}
	fset := flag.NewFlagSet("madbfs", flag.ContinueOnError)
	fset.Usage = func() {
		fmt.Fprintf(fset.Output(), "usage: madbfs [flags] <mountpoint>\n\nflags:\n")
		fset.PrintDefaults()
	}

	fset.StringVar(&f.configFile, "config", "", "YAML configuration file")
	fset.StringVar(&f.serial, "serial", "", "serial number of the device to mount (default: ANDROID_SERIAL or the only device)")
	fset.StringVar(&f.adbPath, "adb", "adb", "path of the adb binary")
	fset.StringVar(&f.logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	fset.StringVar(&f.logFormat, "log-format", "console", "log format (console, json)")
	fset.StringVar(&f.logFile, "log-file", "", "log file (default: stderr)")
	fset.Int64Var(&f.cacheSize, "cache-size", 256, "maximum size of the page cache in MiB")
	fset.Int64Var(&f.pageSize, "page-size", 128, "page size for cache and transfer in KiB")
	fset.Int64Var(&f.ttl, "ttl", 30, "how long file metadata is trusted, in seconds")
	fset.Int64Var(&f.timeout, "timeout", 30, "timeout of every remote command in seconds, 0 for none")
	fset.BoolVar(&f.readOnly, "ro", false, "mount read-only")
	fset.BoolVar(&f.allowOther, "allow-other", false, "allow other users to access the mount")
	fset.BoolVar(&f.debug, "debug", false, "log every FUSE request")
	fset.BoolVar(&f.noServer, "no-server", false, "don't open the control socket")
	fset.StringVar(&f.server, "server", "", "madbfs-server build to run on the device (default: search next to madbfs and in the working directory)")
	fset.IntVar(&f.port, "port", 12345, "port forwarded to madbfs-server")
	fset.BoolVar(&f.adbOnly, "adb-only", false, "never use madbfs-server, run every operation through adb shell")
	fset.BoolVar(&f.metrics, "metrics", false, "serve prometheus metrics")
	fset.IntVar(&f.metricsPort, "metrics-port", 9464, "prometheus metrics port")
	fset.StringVar(&f.writeConfig, "write-config", "", "write the effective configuration to this file and exit")
	fset.BoolVar(&f.version, "version", false, "print version and exit")

	if err := fset.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fset, nil
}

// buildConfig layers defaults, file, environment and explicitly set flags.
func buildConfig(f *flags, fset *flag.FlagSet) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if f.configFile != "" {
		if err := cfg.LoadFromFile(f.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	fset.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "serial":
			cfg.Device.Serial = f.serial
		case "adb":
			cfg.Device.AdbPath = f.adbPath
		case "log-level":
			cfg.Global.LogLevel = f.logLevel
		case "log-format":
			cfg.Global.LogFormat = f.logFormat
		case "log-file":
			cfg.Global.LogFile = f.logFile
		case "cache-size":
			cfg.Cache.CacheSizeMiB = f.cacheSize
		case "page-size":
			cfg.Cache.PageSizeKiB = f.pageSize
		case "ttl":
			cfg.Cache.StatTTL = time.Duration(f.ttl) * time.Second
		case "timeout":
			cfg.Device.CommandTimeout = time.Duration(f.timeout) * time.Second
		case "ro":
			cfg.Mount.ReadOnly = f.readOnly
		case "allow-other":
			cfg.Mount.AllowOther = f.allowOther
		case "debug":
			cfg.Mount.Debug = f.debug
		case "no-server":
			cfg.IPC.Enabled = !f.noServer
		case "server":
			cfg.Device.ServerPath = f.server
		case "port":
			cfg.Device.ServerPort = f.port
		case "adb-only":
			cfg.Device.AdbOnly = f.adbOnly
		case "metrics":
			cfg.Monitoring.Metrics.Enabled = f.metrics
		case "metrics-port":
			cfg.Monitoring.Metrics.Port = f.metricsPort
		}
	})

	if fset.NArg() > 0 {
		cfg.Mount.MountPoint = fset.Arg(0)
	}
	if cfg.Mount.MountPoint == "" && f.writeConfig == "" {
		return nil, fmt.Errorf("no mount point given")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	f, fset, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if f.version {
		fmt.Println("madbfs", version)
		return
	}

	cfg, err := buildConfig(f, fset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "madbfs: %v\n", err)
		fset.Usage()
		os.Exit(2)
	}
	if f.writeConfig != "" {
		if err := writeConfig(cfg, f.writeConfig, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "madbfs: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := utils.SetupLogging(utils.LogConfig{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
		File:   cfg.Global.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "madbfs: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = utils.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		utils.L().Error("madbfs failed", zap.Error(err))
		_ = utils.Sync()
		os.Exit(1)
	}
}

// selectDevice starts the adb daemon and resolves the serial to mount.
func selectDevice(ctx context.Context, cfg *config.Configuration) (string, error) {
	log := utils.Component("main")

	if err := connection.StartServer(ctx, nil, cfg.Device.AdbPath); err != nil {
		return "", fmt.Errorf("failed to start adb server: %w", err)
	}
	devices, err := connection.ListDevices(ctx, nil, cfg.Device.AdbPath)
	if err != nil {
		return "", fmt.Errorf("failed to list devices: %w", err)
	}
	for _, d := range devices {
		log.Debug("device", zap.String("serial", d.Serial), zap.String("status", string(d.Status)))
	}

	serial := cfg.Device.Serial
	if serial == "" {
		serial = os.Getenv("ANDROID_SERIAL")
	}
	device, err := connection.PickDevice(devices, serial)
	if err != nil {
		return "", err
	}

	// later adb invocations and the device-side tools pick it up from here
	if err := os.Setenv("ANDROID_SERIAL", device.Serial); err != nil {
		return "", err
	}
	return device.Serial, nil
}

func breakerConfig(cfg config.CircuitBreakerConfig) circuit.Config {
	bc := circuit.DefaultConfig()
	bc.Threshold = cfg.FailureThreshold
	bc.Timeout = cfg.Timeout
	if !cfg.Enabled {
		bc.Threshold = math.MaxUint32
	}
	bc.OnStateChange = func(name string, from, to circuit.State) {
		utils.Component("circuit").Warn("breaker state changed",
			zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
	}
	return bc
}

func retryConfig(cfg config.RetryConfig) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.MaxAttempts
	rc.InitialDelay = cfg.BaseDelay
	rc.MaxDelay = cfg.MaxDelay
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		utils.Component("tree").Warn("retrying remote operation",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	return rc
}

// writeConfig saves the layered configuration so it can be edited and
// passed back with -config.
func writeConfig(cfg *config.Configuration, path string, w io.Writer) error {
	if err := cfg.SaveToFile(path); err != nil {
		return err
	}
	fmt.Fprintf(w, "configuration written to %s\n", path)
	return nil
}

// serverBinary picks the madbfs-server build to push: the configured one,
// else madbfs-server-<abi> and then madbfs-server from the first of dirs
// holding it. Empty means none was found.
func serverBinary(configured, abi string, dirs []string) string {
	if configured != "" {
		return configured
	}
	names := []string{"madbfs-server"}
	if abi != "" {
		names = append([]string{"madbfs-server-" + abi}, names...)
	}
	for _, name := range names {
		for _, dir := range dirs {
			p := filepath.Join(dir, name)
			if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
				return p
			}
		}
	}
	return ""
}

func searchDirs() []string {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	return dirs
}

// connect prefers madbfs-server and falls back to adb when it cannot be
// found or brought up. The returned func releases the server.
func connect(ctx context.Context, cfg *config.Configuration, serial string, collector *metrics.Collector) (connection.Connection, func()) {
	log := utils.Component("main")

	adb := connection.NewAdb(connection.AdbConfig{
		AdbPath: cfg.Device.AdbPath,
		Serial:  serial,
		Timeout: cfg.Device.CommandTimeout,
		Breaker: breakerConfig(cfg.Remote.CircuitBreaker),
		Metrics: collector,
	})
	if cfg.Device.AdbOnly {
		log.Info("using adb connection")
		return adb, func() {}
	}

	abi, err := adb.Getprop(ctx, "ro.product.cpu.abi")
	if err != nil {
		log.Warn("failed to read device abi", zap.Error(err))
	}
	binary := serverBinary(cfg.Device.ServerPath, abi, searchDirs())
	if binary == "" {
		log.Warn("no madbfs-server build found, falling back to adb", zap.String("abi", abi))
		return adb, func() {}
	}

	srv, err := connection.LaunchServer(ctx, connection.LaunchConfig{
		AdbPath: cfg.Device.AdbPath,
		Serial:  serial,
		Port:    cfg.Device.ServerPort,
		Binary:  binary,
	}, connection.ServerConfig{
		Timeout: cfg.Device.CommandTimeout,
		Breaker: breakerConfig(cfg.Remote.CircuitBreaker),
		Metrics: collector,
	})
	if err != nil {
		log.Warn("failed to start madbfs-server, falling back to adb", zap.String("binary", binary), zap.Error(err))
		return adb, func() {}
	}
	log.Info("using server connection", zap.String("binary", binary), zap.Int("port", cfg.Device.ServerPort))
	return srv, func() {
		if err := srv.Close(); err != nil {
			log.Warn("failed to close server connection", zap.Error(err))
		}
	}
}

func run(ctx context.Context, cfg *config.Configuration) error {
	log := utils.Component("main")

	serial, err := selectDevice(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info("using device", zap.String("serial", serial))

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Monitoring.Metrics.Port,
		Path:      cfg.Monitoring.Metrics.Path,
		Namespace: "madbfs",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}

	conn, disconnect := connect(ctx, cfg, serial, collector)
	defer disconnect()

	pages, err := cache.New(conn, cache.Config{
		PageSize:  cfg.Cache.PageSizeKiB * cache.KiB,
		CacheSize: cfg.Cache.CacheSizeMiB * cache.MiB,
	}, collector)
	if err != nil {
		return err
	}

	t := tree.New(conn, pages, tree.Config{
		StatTTL: cfg.Cache.StatTTL,
		Retry:   retryConfig(cfg.Remote.Retry),
	})

	var server *ipc.Server
	if cfg.IPC.Enabled {
		server, err = ipc.NewServer(ipc.SocketPath(cfg.IPC.SocketDir, serial))
		if err != nil {
			return fmt.Errorf("failed to open control socket: %w", err)
		}
		surface := control.New(t)
		go func() {
			if err := server.Launch(ctx, surface.Handle); err != nil {
				log.Error("control channel failed", zap.Error(err))
			}
		}()
		log.Info("control socket ready", zap.String("path", server.Path()))
	}

	filesystem := fuse.NewFileSystem(t, collector, &fuse.Config{
		MountPoint: cfg.Mount.MountPoint,
		ReadOnly:   cfg.Mount.ReadOnly,
	})
	opts := fuse.DefaultMountOptions()
	opts.ReadOnly = cfg.Mount.ReadOnly
	opts.AllowOther = cfg.Mount.AllowOther
	opts.Debug = cfg.Mount.Debug
	opts.FSName = cfg.Mount.FSName
	opts.AttrTimeout = cfg.Mount.AttrTimeout
	opts.EntryTimeout = cfg.Mount.EntryTimeout
	if ps := pages.PageSize(); ps < maxWrite {
		opts.MaxWrite = uint32(ps)
	} else {
		opts.MaxWrite = maxWrite
	}

	mgr := fuse.CreatePlatformMountManager(filesystem, &fuse.MountConfig{
		MountPoint: cfg.Mount.MountPoint,
		Options:    opts,
	})
	if err := mgr.Mount(ctx); err != nil {
		shutdown(context.Background(), t, server, collector, nil)
		return err
	}

	served := make(chan struct{})
	go func() {
		mgr.Wait()
		close(served)
	}()

	select {
	case <-ctx.Done():
		log.Info("signal received, unmounting")
	case <-served:
		log.Info("filesystem unmounted externally")
		mgr = nil
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdown(sctx, t, server, collector, mgr)

	stats := filesystem.GetStats()
	log.Info("madbfs terminated",
		zap.String("serial", serial),
		zap.Int64("reads", stats.Reads),
		zap.Int64("writes", stats.Writes),
		zap.String("bytes_read", utils.FormatBytes(stats.BytesRead)),
		zap.String("bytes_written", utils.FormatBytes(stats.BytesWritten)),
		zap.Int64("errors", stats.Errors))
	return nil
}

// shutdown unmounts first so the kernel releases open files, then pushes
// whatever is still dirty before closing the control socket.
func shutdown(ctx context.Context, t *tree.Tree, server *ipc.Server, collector *metrics.Collector, mgr fuse.PlatformFileSystem) {
	log := utils.Component("main")

	if mgr != nil && mgr.IsMounted() {
		if err := mgr.Unmount(); err != nil {
			log.Error("unmount failed", zap.Error(err))
		}
	}
	if err := t.Shutdown(ctx); err != nil {
		log.Error("failed to write back cached data", zap.Error(err))
	}
	if server != nil {
		if err := server.Close(); err != nil {
			log.Warn("failed to close control socket", zap.Error(err))
		}
	}
	if err := collector.Stop(ctx); err != nil {
		log.Warn("failed to stop metrics server", zap.Error(err))
	}
}
