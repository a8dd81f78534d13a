// Package ipc implements the control channel of a running mount: a unix
// socket that serves one peer at a time and answers length-prefixed JSON
// operations.
package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
)

// Name identifies an operation on the wire.
type Name string

// Operation names.
const (
	OpHelp            Name = "help"
	OpInfo            Name = "info"
	OpInvalidateCache Name = "invalidate_cache"
	OpSetPageSize     Name = "set_page_size"
	OpGetPageSize     Name = "get_page_size"
	OpSetCacheSize    Name = "set_cache_size"
	OpGetCacheSize    Name = "get_cache_size"
	OpSetTTL          Name = "set_ttl"
	OpGetTTL          Name = "get_ttl"
)

// Names lists every operation in help order.
func Names() []Name {
	return []Name{
		OpHelp,
		OpInfo,
		OpInvalidateCache,
		OpSetPageSize,
		OpGetPageSize,
		OpSetCacheSize,
		OpGetCacheSize,
		OpSetTTL,
		OpGetTTL,
	}
}

// unit is the key of the argument object, empty for operations without one.
func (n Name) unit() string {
	switch n {
	case OpSetPageSize:
		return "kib"
	case OpSetCacheSize:
		return "mib"
	case OpSetTTL:
		return "sec"
	}
	return ""
}

// Op is one decoded request. Value holds the argument of the setters in
// the unit the operation names (KiB, MiB or seconds).
type Op struct {
	Name  Name
	Value uint64
}

// Help returns the help operation.
func Help() Op { return Op{Name: OpHelp} }

// Info returns the info operation.
func Info() Op { return Op{Name: OpInfo} }

// InvalidateCache returns the invalidate operation.
func InvalidateCache() Op { return Op{Name: OpInvalidateCache} }

// SetPageSize returns a page size update in KiB.
func SetPageSize(kib uint64) Op { return Op{Name: OpSetPageSize, Value: kib} }

// GetPageSize returns the page size query.
func GetPageSize() Op { return Op{Name: OpGetPageSize} }

// SetCacheSize returns a cache size update in MiB.
func SetCacheSize(mib uint64) Op { return Op{Name: OpSetCacheSize, Value: mib} }

// GetCacheSize returns the cache size query.
func GetCacheSize() Op { return Op{Name: OpGetCacheSize} }

// SetTTL returns a metadata TTL update in seconds.
func SetTTL(sec uint64) Op { return Op{Name: OpSetTTL, Value: sec} }

// GetTTL returns the metadata TTL query.
func GetTTL() Op { return Op{Name: OpGetTTL} }

func (o Op) String() string {
	if u := o.Name.unit(); u != "" {
		return fmt.Sprintf("%s{%s: %d}", o.Name, u, o.Value)
	}
	return string(o.Name)
}

type request struct {
	Op    Name            `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes o as {"op": name, "value": {unit: N}}.
func (o Op) MarshalJSON() ([]byte, error) {
	req := request{Op: o.Name}
	if u := o.Name.unit(); u != "" {
		v, err := json.Marshal(map[string]uint64{u: o.Value})
		if err != nil {
			return nil, err
		}
		req.Value = v
	}
	return json.Marshal(req)
}

// ParseOp decodes a request body. Setters accept either {unit: N} or a
// bare number as value.
func ParseOp(body []byte) (Op, error) {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return Op{}, protocolErr("malformed request: %v", err)
	}
	if req.Op == "" {
		return Op{}, protocolErr("missing 'op' field")
	}

	name := Name(strings.ToLower(string(req.Op)))
	known := false
	for _, n := range Names() {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		return Op{}, protocolErr("'%s' is not a valid operation, try 'help'", req.Op)
	}

	op := Op{Name: name}
	unit := name.unit()
	if unit == "" {
		return op, nil
	}
	if len(req.Value) == 0 {
		return Op{}, protocolErr("'%s' needs a value in %s", name, unit)
	}

	var bare uint64
	if err := json.Unmarshal(req.Value, &bare); err == nil {
		op.Value = bare
		return op, nil
	}
	var obj map[string]uint64
	if err := json.Unmarshal(req.Value, &obj); err != nil {
		return Op{}, protocolErr("'%s' value must be a non-negative integer or {\"%s\": N}", name, unit)
	}
	v, ok := obj[unit]
	if !ok {
		return Op{}, protocolErr("'%s' value is missing '%s'", name, unit)
	}
	op.Value = v
	return op, nil
}

func protocolErr(format string, args ...interface{}) *errors.Error {
	return errors.Newf(errors.ErrCodeInvalidOperation, format, args...).WithComponent("ipc")
}

// Status of a reply.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Reply is the response to one operation.
type Reply struct {
	Status  string          `json:"status"`
	Value   json.RawMessage `json:"value,omitempty"`
	Message string          `json:"message,omitempty"`
}

// OK reports whether the operation succeeded.
func (r Reply) OK() bool { return r.Status == StatusSuccess }

// Decode unmarshals the reply value into v.
func (r Reply) Decode(v interface{}) error {
	if !r.OK() {
		return errors.NewError(errors.ErrCodeInvalidOperation, r.Message).WithComponent("ipc")
	}
	return json.Unmarshal(r.Value, v)
}

func successReply(v interface{}) (Reply, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Status: StatusSuccess, Value: raw}, nil
}

func errorReply(err error) Reply {
	msg := err.Error()
	if e, ok := errors.As(err); ok {
		msg = e.Message
	}
	return Reply{Status: StatusError, Message: msg}
}
