package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visionvm/sensor/internal/browser"
	"github.com/visionvm/sensor/internal/state"
)

type fakeController struct {
	mu        sync.Mutex
	interacts []browser.Action
	navigates []string
	seeks     []float64
}

func (f *fakeController) Navigate(_ context.Context, url string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigates = append(f.navigates, url)
	return nil
}

func (f *fakeController) SetMode(_ context.Context, _ string) error {
	return nil
}

func (f *fakeController) Interact(_ context.Context, a browser.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interacts = append(f.interacts, a)
	return nil
}

func (f *fakeController) Seek(_ context.Context, t float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, t)
	return nil
}

func (f *fakeController) pauseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.interacts {
		if a == browser.ActionPause {
			n++
		}
	}
	return n
}

func newTestMachine(t *testing.T, epsilon float64) (*Machine, *fakeController, *state.Store) {
	t.Helper()
	store := state.NewStore(1280, 720)
	ctrl := &fakeController{}
	m := New(context.Background(), store, ctrl, epsilon, zap.NewNop())
	t.Cleanup(m.Close)
	return m, ctrl, store
}

func waitForPhase(t *testing.T, m *Machine, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Phase() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %s (at %s)", want, m.Phase())
}

func TestMachine_ExitExactlyOnceAtEpsilon(t *testing.T) {
	m, ctrl, store := newTestMachine(t, 1.0)

	m.OnDuration(100)
	waitForPhase(t, m, PhaseMonitor)

	// Everything strictly below duration-epsilon must not trigger Exit.
	for _, tm := range []float64{0, 50, 98, 98.9} {
		m.OnPlayhead(tm)
	}
	waitForPhase(t, m, PhaseMonitor)
	assert.Equal(t, 0, ctrl.pauseCount(), "no pause before the threshold")

	// First playhead at >= 99 flips to Exit.
	m.OnPlayhead(99)
	waitForPhase(t, m, PhaseExit)

	// Further updates change nothing.
	m.OnPlayhead(99.5)
	m.OnPlayhead(100)
	waitForPhase(t, m, PhaseExit)

	require.Eventually(t, func() bool { return ctrl.pauseCount() == 1 }, time.Second, 2*time.Millisecond,
		"pause must be issued exactly once")

	_, tel := store.Snapshot()
	assert.Equal(t, state.StatusComplete, tel.Status)
	assert.True(t, tel.IsEnded)
}

func TestMachine_PlayheadBufferedUntilSync(t *testing.T) {
	m, ctrl, _ := newTestMachine(t, 1.0)

	// Telemetry before the duration is known is buffered, not acted on.
	m.OnPlayhead(250)
	waitForPhase(t, m, PhaseLoad)
	assert.Equal(t, 0, ctrl.pauseCount())

	// Once the duration lands, the buffered playhead replays and the end
	// condition fires immediately.
	m.OnDuration(200)
	waitForPhase(t, m, PhaseExit)
	require.Eventually(t, func() bool { return ctrl.pauseCount() == 1 }, time.Second, 2*time.Millisecond)
}

func TestMachine_SyncAdvancesToMonitor(t *testing.T) {
	m, _, _ := newTestMachine(t, 1.0)

	m.OnPlayhead(3)
	m.OnDuration(100)
	waitForPhase(t, m, PhaseMonitor)
}

func TestMachine_NavigateResetsFromEveryPhase(t *testing.T) {
	cases := []struct {
		name string
		prep func(m *Machine)
	}{
		{"from load", func(m *Machine) {}},
		{"from monitor", func(m *Machine) { m.OnDuration(100) }},
		{"from exit", func(m *Machine) {
			m.OnDuration(100)
			m.OnPlayhead(100)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _, _ := newTestMachine(t, 1.0)
			tc.prep(m)
			m.OnNavigate()
			waitForPhase(t, m, PhaseLoad)

			// The old duration must not leak into the new cycle.
			m.OnPlayhead(99)
			waitForPhase(t, m, PhaseLoad)
		})
	}
}

func TestMachine_NewCycleAfterExit(t *testing.T) {
	m, ctrl, _ := newTestMachine(t, 1.0)

	m.OnDuration(100)
	m.OnPlayhead(100)
	waitForPhase(t, m, PhaseExit)

	m.OnNavigate()
	m.OnDuration(50)
	waitForPhase(t, m, PhaseMonitor)
	m.OnPlayhead(49.5)
	waitForPhase(t, m, PhaseExit)

	require.Eventually(t, func() bool { return ctrl.pauseCount() == 2 }, time.Second, 2*time.Millisecond)
}

func TestMachine_ZeroDurationNeverExits(t *testing.T) {
	m, ctrl, _ := newTestMachine(t, 1.0)

	m.OnDuration(0)
	m.OnPlayhead(10)
	time.Sleep(50 * time.Millisecond)
	assert.NotEqual(t, PhaseExit, m.Phase())
	assert.Equal(t, 0, ctrl.pauseCount())
}
