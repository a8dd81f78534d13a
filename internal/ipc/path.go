package ipc

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var socketName = regexp.MustCompile(`^madbfs@(.+?)\.sock$`)

// SocketDir returns $XDG_RUNTIME_DIR, or /tmp when it is unset.
func SocketDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return "/tmp"
}

// SocketPath returns the control socket of the mount serving serial. An
// empty dir selects SocketDir.
func SocketPath(dir, serial string) string {
	if dir == "" {
		dir = SocketDir()
	}
	return filepath.Join(dir, "madbfs@"+serial+".sock")
}

// Socket is a control socket found on disk.
type Socket struct {
	Serial string
	Path   string
}

// ListSockets returns the control sockets in dir, sorted by path. Entries
// that are not sockets are skipped even when their name matches.
func ListSockets(dir string) ([]Socket, error) {
	if dir == "" {
		dir = SocketDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var sockets []Socket
	for _, e := range entries {
		if e.Type()&os.ModeSocket == 0 {
			continue
		}
		m := socketName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		sockets = append(sockets, Socket{Serial: m[1], Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(sockets, func(i, j int) bool { return sockets[i].Path < sockets[j].Path })
	return sockets, nil
}
