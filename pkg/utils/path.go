package utils

import (
	"fmt"
	"path"
	"strings"
)

// CleanPath normalises a device path to an absolute, slash-separated form.
// It rejects empty paths, relative paths and paths containing NUL.
//
// Example usage:
//
//	p, err := CleanPath("/sdcard//DCIM/./Camera/")
//	// p == "/sdcard/DCIM/Camera"
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path must be absolute: %s", p)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains NUL byte")
	}
	return path.Clean(p), nil
}

// SplitPath returns the components of a clean absolute path. The root has none.
func SplitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// ParentPath returns the parent directory of a clean absolute path.
func ParentPath(p string) string {
	return path.Dir(p)
}

// BaseName returns the last component of a clean absolute path.
func BaseName(p string) string {
	return path.Base(p)
}

// JoinPath joins a directory and a child name.
func JoinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// IsAncestor reports whether ancestor is a strict prefix directory of p.
func IsAncestor(ancestor, p string) bool {
	if ancestor == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, ancestor+"/")
}
