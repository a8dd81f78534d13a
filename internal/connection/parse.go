package connection

import (
	"bufio"
	"strconv"
	"strings"
	"time"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/types"
)

// statFormat makes stat print one record per path: hex mode, links, size,
// uid, gid, atime, mtime, ctime (epoch seconds), then the path. The path
// comes last so separators inside names survive the split.
const statFormat = "%f|%h|%s|%u|%g|%X|%Y|%Z|%n"

const statFields = 9

// parseStatLine parses one line of statFormat output into attributes and the
// printed path.
func parseStatLine(line string) (types.Attr, string, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, "|", statFields)
	if len(parts) != statFields || parts[statFields-1] == "" {
		return types.Attr{}, "", malformed("stat", line)
	}

	mode, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return types.Attr{}, "", malformed("stat mode", line)
	}

	var nums [7]int64
	for i := range nums {
		n, err := strconv.ParseInt(parts[i+1], 10, 64)
		if err != nil {
			return types.Attr{}, "", malformed("stat field", line)
		}
		nums[i] = n
	}

	attr := types.Attr{
		Mode:  uint32(mode),
		Links: uint64(nums[0]),
		Size:  nums[1],
		UID:   uint32(nums[2]),
		GID:   uint32(nums[3]),
		Atime: time.Unix(nums[4], 0),
		Mtime: time.Unix(nums[5], 0),
		Ctime: time.Unix(nums[6], 0),
	}
	return attr, parts[statFields-1], nil
}

func malformed(what, line string) *errors.Error {
	return errors.Newf(errors.ErrCodeMalformedOutput, "unparsable %s output", what).
		WithComponent("connection").
		WithDetail("line", line)
}

// adb failures that name the transport rather than the file.
const (
	stderrNoDevice      = "adb: no devices/emulators found"
	stderrDeviceOffline = "adb: device offline"
)

// trailing ": <reason>" of toybox/coreutils diagnostics
var reasonCodes = map[string]errors.ErrorCode{
	"Permission denied":         errors.ErrCodePermissionDenied,
	"No such file or directory": errors.ErrCodeNotFound,
	"Not a directory":           errors.ErrCodeNotDirectory,
	"inaccessible or not found": errors.ErrCodeNotSupported,
	"Read-only file system":     errors.ErrCodeReadOnly,
	"File exists":               errors.ErrCodeAlreadyExists,
	"Is a directory":            errors.ErrCodeIsDirectory,
	"Directory not empty":       errors.ErrCodeNotEmpty,
	"No space left on device":   errors.ErrCodeNoSpace,
}

// ClassifyStderr maps the error output of an adb command to an error code.
// serial is the selected device; when the daemon reports it missing the
// device may be reconnecting, so the result is TRY_AGAIN.
func ClassifyStderr(stderr, serial string) errors.ErrorCode {
	var noSerial string
	if serial != "" {
		noSerial = "adb: device '" + serial + "' not found"
	}

	sc := bufio.NewScanner(strings.NewReader(stderr))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == stderrNoDevice || line == stderrDeviceOffline {
			return errors.ErrCodeNoDevice
		}
		if noSerial != "" && line == noSerial {
			return errors.ErrCodeTryAgain
		}

		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		if code, ok := reasonCodes[strings.TrimSpace(line[idx+1:])]; ok {
			return code
		}
	}
	return errors.ErrCodeIOError
}

// quote single-quotes s for the device shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parseCopied extracts the byte count from dd's summary, e.g.
// "1048576 bytes (1.0 M) copied, 0.054401 s, 18 M/s".
func parseCopied(out string) (int64, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[1], "byte") {
			continue
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

// DeviceStatus is the state column of `adb devices`.
type DeviceStatus string

const (
	DeviceOnline       DeviceStatus = "device"
	DeviceEmulator     DeviceStatus = "emulator"
	DeviceOffline      DeviceStatus = "offline"
	DeviceUnauthorized DeviceStatus = "unauthorized"
	DeviceUnknown      DeviceStatus = "unknown"
)

// Device is one attached device.
type Device struct {
	Serial string       `json:"serial"`
	Status DeviceStatus `json:"status"`
}

// parseDevices parses `adb devices` output, skipping the header line.
func parseDevices(out string) []Device {
	var devices []Device
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		status := DeviceStatus(fields[1])
		switch status {
		case DeviceOnline, DeviceEmulator, DeviceOffline, DeviceUnauthorized:
		default:
			status = DeviceUnknown
		}
		devices = append(devices, Device{Serial: fields[0], Status: status})
	}
	return devices
}
