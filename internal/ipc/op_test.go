package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
)

func TestParseOp(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Op
		wantErr string
	}{
		{"help", `{"op":"help"}`, Help(), ""},
		{"info", `{"op":"info"}`, Info(), ""},
		{"invalidate", `{"op":"invalidate_cache"}`, InvalidateCache(), ""},
		{"page size object", `{"op":"set_page_size","value":{"kib":256}}`, SetPageSize(256), ""},
		{"page size bare", `{"op":"set_page_size","value":512}`, SetPageSize(512), ""},
		{"cache size object", `{"op":"set_cache_size","value":{"mib":64}}`, SetCacheSize(64), ""},
		{"get cache size", `{"op":"get_cache_size"}`, GetCacheSize(), ""},
		{"ttl", `{"op":"set_ttl","value":{"sec":10}}`, SetTTL(10), ""},
		{"case insensitive", `{"op":"GET_PAGE_SIZE"}`, GetPageSize(), ""},
		{"unknown", `{"op":"format_device"}`, Op{}, "'format_device' is not a valid operation, try 'help'"},
		{"missing op", `{"value":1}`, Op{}, "missing 'op' field"},
		{"not json", `set_page_size 64`, Op{}, "malformed request"},
		{"missing value", `{"op":"set_cache_size"}`, Op{}, "needs a value in mib"},
		{"wrong unit", `{"op":"set_cache_size","value":{"kib":1}}`, Op{}, "missing 'mib'"},
		{"negative", `{"op":"set_page_size","value":-4}`, Op{}, "non-negative integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := ParseOp([]byte(tt.body))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidOperation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
		})
	}
}

func TestOpMarshalRoundTrip(t *testing.T) {
	for _, op := range []Op{Help(), SetPageSize(128), SetCacheSize(64), GetTTL()} {
		raw, err := json.Marshal(op)
		require.NoError(t, err)
		got, err := ParseOp(raw)
		require.NoError(t, err)
		assert.Equal(t, op, got)
	}

	raw, err := json.Marshal(SetCacheSize(64))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"set_cache_size","value":{"mib":64}}`, string(raw))
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"op":"help"}`)))
	require.NoError(t, WriteFrame(&buf, nil))

	assert.Equal(t, uint32(13), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	body, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"op":"help"}`, string(body))

	body, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestFrames_TooLarge(t *testing.T) {
	err := WriteFrame(&bytes.Buffer{}, make([]byte, MaxMessageSize+1))
	assert.True(t, errors.HasCode(err, errors.ErrCodeMessageTooLarge))

	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxMessageSize+10)
	buf.Write(hdr[:])
	buf.Write(make([]byte, MaxMessageSize+10))
	require.NoError(t, WriteFrame(&buf, []byte("next")))

	_, err = ReadFrame(&buf)
	assert.True(t, errors.HasCode(err, errors.ErrCodeMessageTooLarge))

	body, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "next", string(body), "stream stays aligned after an oversized frame")
}

func TestFrames_Truncated(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 10)
	buf.Write(hdr[:])
	buf.WriteString("abc")

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/madbfs@emulator-5554.sock", SocketPath("", "emulator-5554"))
	assert.Equal(t, "/var/run/madbfs@abc.sock", SocketPath("/var/run", "abc"))

	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Equal(t, "/tmp/madbfs@abc.sock", SocketPath("", "abc"))
}
