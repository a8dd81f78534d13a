// Command madbfs-msg sends one control operation to a running madbfs
// instance.
//
//	madbfs-msg [flags] <op> [value]
//	madbfs-msg [flags] '{"op": "set_page_size", "value": {"kib": 256}}'
//	madbfs-msg -list
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mrizaln/madbfs-sub001/internal/ipc"
)

var version = "dev"

type options struct {
	list      bool
	listDir   string
	serial    string
	socketDir string
	timeout   time.Duration
	version   bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var o options
	fset := flag.NewFlagSet("madbfs-msg", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.Usage = func() {
		fmt.Fprintln(stderr, "madbfs-msg: send message to active madbfs instance over IPC socket")
		fmt.Fprintln(stderr, "usage: madbfs-msg [flags] <op> [value]")
		fmt.Fprintln(stderr, "\nflags:")
		fset.PrintDefaults()
	}
	fset.BoolVar(&o.list, "list", false, "list mounted devices with an active control socket")
	fset.StringVar(&o.listDir, "list-dir", ipc.SocketDir(), "search directory for -list")
	fset.StringVar(&o.serial, "serial", os.Getenv("ANDROID_SERIAL"), "serial number of the mounted device")
	fset.StringVar(&o.socketDir, "socket-dir", "", "directory of the control socket (default: $XDG_RUNTIME_DIR or /tmp)")
	fset.DurationVar(&o.timeout, "timeout", 10*time.Second, "how long to wait for the reply")
	fset.BoolVar(&o.version, "version", false, "print version and exit")

	if len(args) == 0 {
		fset.Usage()
		return 1
	}
	if err := fset.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	switch {
	case o.version:
		fmt.Fprintln(stdout, "madbfs-msg", version)
		return 0
	case o.list:
		return listSockets(o.listDir, stdout, stderr)
	}

	if o.serial == "" {
		fmt.Fprintln(stderr, "error: android device must be specified using '-serial' or the ANDROID_SERIAL env variable")
		return 2
	}
	if fset.NArg() == 0 {
		fmt.Fprintln(stderr, "error: no message is specified")
		return 1
	}

	op, err := buildOp(fset.Args())
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	path := ipc.SocketPath(o.socketDir, o.serial)
	client, err := ipc.Dial(ctx, path)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer client.Close()

	reply, err := client.Send(ctx, op)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return printReply(reply, stdout, stderr)
}

// buildOp accepts either a raw JSON request or an operation name followed
// by an optional number.
func buildOp(words []string) (ipc.Op, error) {
	if len(words) == 1 && strings.HasPrefix(strings.TrimSpace(words[0]), "{") {
		return ipc.ParseOp([]byte(words[0]))
	}
	if len(words) > 2 {
		return ipc.Op{}, fmt.Errorf("too many arguments: %s", strings.Join(words, " "))
	}

	req := map[string]interface{}{"op": words[0]}
	if len(words) == 2 {
		n, err := strconv.ParseUint(words[1], 10, 64)
		if err != nil {
			return ipc.Op{}, fmt.Errorf("'%s' is not a non-negative integer", words[1])
		}
		req["value"] = n
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ipc.Op{}, err
	}
	return ipc.ParseOp(body)
}

func printReply(reply ipc.Reply, stdout, stderr io.Writer) int {
	if !reply.OK() {
		fmt.Fprintf(stderr, "error: %s\n", reply.Message)
		return 1
	}
	if len(reply.Value) == 0 {
		fmt.Fprintln(stdout, "ok")
		return 0
	}

	var out bytes.Buffer
	if err := json.Indent(&out, reply.Value, "", "  "); err != nil {
		out.Reset()
		out.Write(reply.Value)
	}
	fmt.Fprintln(stdout, out.String())
	return 0
}

func listSockets(dir string, stdout, stderr io.Writer) int {
	info, err := os.Stat(dir)
	if err != nil {
		fmt.Fprintf(stderr, "error: path '%s' does not exist\n", dir)
		return 1
	}
	if !info.IsDir() {
		fmt.Fprintf(stderr, "error: path '%s' is not a directory\n", dir)
		return 1
	}

	sockets, err := ipc.ListSockets(dir)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if len(sockets) == 0 {
		fmt.Fprintln(stdout, "no active sockets at the moment")
		return 0
	}

	width := 0
	for _, s := range sockets {
		if len(s.Serial) > width {
			width = len(s.Serial)
		}
	}
	fmt.Fprintln(stdout, "active sockets:")
	for _, s := range sockets {
		fmt.Fprintf(stdout, "\t- %-*s -> %s\n", width, s.Serial, s.Path)
	}
	return 0
}
