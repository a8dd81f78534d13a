package conntest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs-sub001/internal/connection"
	"github.com/mrizaln/madbfs-sub001/pkg/errors"
)

func TestFake_Basics(t *testing.T) {
	ctx := context.Background()
	f := New()
	f.AddFile("/sdcard/a.txt", []byte("hello"))
	f.AddLink("/sdcard/l", "a.txt")

	entries, err := connection.Collect(must(f.StatDir(ctx, "/sdcard")))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)

	target, err := f.Readlink(ctx, "/sdcard/l")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)

	buf := make([]byte, 3)
	n, err := f.Read(ctx, "/sdcard/a.txt", buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "llo", string(buf[:n]))

	_, err = f.Write(ctx, "/sdcard/a.txt", []byte("!"), 7)
	require.NoError(t, err)
	data, _ := f.Content("/sdcard/a.txt")
	assert.Equal(t, []byte("hello\x00\x00!"), data)

	require.NoError(t, f.Rename(ctx, "/sdcard", "/storage", 0))
	assert.True(t, f.Exists("/storage/a.txt"))
	assert.False(t, f.Exists("/sdcard"))

	err = f.Rmdir(ctx, "/storage")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotEmpty))

	_, err = f.Stat(ctx, "/nope")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	assert.Equal(t, 1, f.Calls("stat"))
}

func TestFake_Faults(t *testing.T) {
	ctx := context.Background()
	f := New()
	f.AddDir("/d")

	gone := errors.NewError(errors.ErrCodeNoDevice, "gone")
	f.Fail("stat", "/d", gone, 1)

	_, err := f.Stat(ctx, "/d")
	assert.ErrorIs(t, err, gone)
	_, err = f.Stat(ctx, "/d")
	assert.NoError(t, err)
	assert.Equal(t, 2, f.Calls("stat"))
}

func must(s connection.DirStream, err error) connection.DirStream {
	if err != nil {
		panic(err)
	}
	return s
}
