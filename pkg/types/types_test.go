package types

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewStatAllocatesUniqueIDs(t *testing.T) {
	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[ID]bool, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]ID, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, NewStat(Attr{}).ID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				assert.False(t, seen[id], "id %d allocated twice", id)
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.False(t, seen[0], "zero id must never be allocated")
}

func TestStatIDSurvivesAttrUpdates(t *testing.T) {
	st := NewStat(Attr{Size: 10})
	id := st.ID()

	st.Size = 20
	st.Mtime = time.Now()

	assert.Equal(t, id, st.ID())
	assert.Greater(t, NewStat(Attr{}).ID(), id)
}

func TestAttrKinds(t *testing.T) {
	assert.True(t, Attr{Mode: syscall.S_IFDIR | 0o755}.IsDir())
	assert.True(t, Attr{Mode: syscall.S_IFREG | 0o644}.IsRegular())
	assert.True(t, Attr{Mode: syscall.S_IFLNK | 0o777}.IsSymlink())
	assert.False(t, Attr{Mode: syscall.S_IFREG}.IsDir())
}

func TestAttrModified(t *testing.T) {
	base := time.Date(2025, 6, 4, 12, 9, 5, 0, time.UTC)
	a := Attr{Size: 100, Mtime: base}

	tests := []struct {
		name  string
		other Attr
		want  bool
	}{
		{"identical", Attr{Size: 100, Mtime: base}, false},
		{"sub-second drift", Attr{Size: 100, Mtime: base.Add(450 * time.Millisecond)}, false},
		{"within tolerance", Attr{Size: 100, Mtime: base.Add(-2 * time.Second)}, false},
		{"mtime moved", Attr{Size: 100, Mtime: base.Add(3 * time.Second)}, true},
		{"size changed", Attr{Size: 101, Mtime: base}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Modified(tt.other))
		})
	}
}
