// Command madbfs-server runs on the Android device and serves filesystem
// requests from madbfs over a port forwarded with `adb forward`.
//
//	madbfs-server [-port N] [-verbose] [-debug]
//
// It prints SERVER_IS_READY on stdout once it accepts connections. Logs go
// to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/mrizaln/madbfs-sub001/internal/devserver"
	"github.com/mrizaln/madbfs-sub001/internal/rpc"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fset := flag.NewFlagSet("madbfs-server", flag.ContinueOnError)
	fset.SetOutput(stderr)
	port := fset.Int("port", 12345, "port to listen on")
	concurrency := fset.Int("concurrency", 16, "requests handled at once per client")
	verbose := fset.Bool("verbose", false, "log connections and failures")
	debug := fset.Bool("debug", false, "log every request")
	showVersion := fset.Bool("version", false, "print version and exit")
	if err := fset.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, "madbfs-server", version)
		return 0
	}
	if *port < 0 || *port > 65535 {
		fmt.Fprintf(stderr, "madbfs-server: invalid port %d\n", *port)
		return 2
	}

	level := "WARN"
	switch {
	case *debug:
		level = "DEBUG"
	case *verbose:
		level = "INFO"
	}
	if err := utils.SetupLogging(utils.LogConfig{Level: level, Format: "console"}); err != nil {
		fmt.Fprintf(stderr, "madbfs-server: %v\n", err)
		return 1
	}
	defer func() { _ = utils.Sync() }()
	log := utils.Component("main")

	// adb forward connects from the device's loopback
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(*port)))
	if err != nil {
		log.Error("failed to listen", zap.Int("port", *port), zap.Error(err))
		return 1
	}
	log.Info("listening", zap.String("address", ln.Addr().String()))
	fmt.Fprintln(stdout, rpc.ReadyString)

	if err := devserver.NewServer(devserver.NewHandler(), *concurrency).Serve(ctx, ln); err != nil {
		log.Error("server failed", zap.Error(err))
		return 1
	}
	log.Info("server stopped")
	return 0
}
