package circuit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := New("test", cfg)
	b.now = clock.now
	return b, clock
}

var (
	errGone   = errors.NewError(errors.ErrCodeNoDevice, "adb: no devices/emulators found")
	errNoFile = errors.NewError(errors.ErrCodeNotFound, "No such file or directory")
)

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"Closed state", StateClosed, "CLOSED"},
		{"Open state", StateOpen, "OPEN"},
		{"Half-open state", StateHalfOpen, "HALF_OPEN"},
		{"Unknown state", State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	b := New("dev", Config{})
	if b.Name() != "dev" {
		t.Errorf("name = %q", b.Name())
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v", b.State())
	}
	if b.config.Threshold != 1 {
		t.Errorf("default Threshold = %d, want 1", b.config.Threshold)
	}
	if b.config.Timeout != 5*time.Second {
		t.Errorf("default Timeout = %v", b.config.Timeout)
	}
}

func TestBreaker_TripsOnlyOnDeviceErrors(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Threshold: 2, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, fail(errNoFile))
	}
	if b.State() != StateClosed {
		t.Fatalf("filesystem errors must not trip, state = %v", b.State())
	}

	_ = b.Do(ctx, fail(errGone))
	if b.State() != StateClosed {
		t.Fatalf("one failure below threshold tripped")
	}
	_ = b.Do(ctx, fail(errGone))
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	if called {
		t.Error("open breaker ran the command")
	}
	if !errors.HasCode(err, errors.ErrCodeTryAgain) {
		t.Errorf("open breaker error = %v, want TRY_AGAIN", err)
	}
}

func TestBreaker_SuccessResetsConsecutive(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Threshold: 2})
	ctx := context.Background()

	_ = b.Do(ctx, fail(errGone))
	_ = b.Do(ctx, fail(nil))
	_ = b.Do(ctx, fail(errGone))
	if b.State() != StateClosed {
		t.Errorf("non-consecutive failures tripped the breaker")
	}
	if got := b.Counts().ConsecutiveFailures; got != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	var transitions []State
	b, clock := newTestBreaker(Config{
		Threshold: 1,
		Timeout:   time.Second,
		OnStateChange: func(_ string, _ State, to State) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	_ = b.Do(ctx, fail(errGone))
	clock.advance(2 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", b.State())
	}

	// failed probe reopens
	_ = b.Do(ctx, fail(errGone))
	if b.State() != StateOpen {
		t.Fatalf("state after failed probe = %v", b.State())
	}

	clock.advance(2 * time.Second)
	if err := b.Do(ctx, fail(nil)); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state after good probe = %v", b.State())
	}

	want := []State{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Threshold: 1, Timeout: time.Hour})
	_ = b.Do(context.Background(), fail(errGone))
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state after Reset = %v", b.State())
	}
}

func TestBreaker_Concurrent(t *testing.T) {
	t.Parallel()

	b := New("concurrent", Config{Threshold: 1000, Timeout: time.Second})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Do(context.Background(), fail(errGone))
			} else {
				_ = b.Do(context.Background(), fail(nil))
			}
		}(i)
	}
	wg.Wait()
	if b.State() != StateClosed {
		t.Errorf("state = %v", b.State())
	}
}
