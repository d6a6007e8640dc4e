package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/visionvm/sensor/internal/browser"
	"github.com/visionvm/sensor/internal/state"
)

// Phase is the playback lifecycle position.
type Phase string

const (
	// PhaseLoad: navigation issued, duration still unknown.
	PhaseLoad Phase = "load"
	// PhaseSync: duration just obtained; buffered playhead replays here.
	PhaseSync Phase = "sync"
	// PhaseMonitor: watching the playhead approach the end.
	PhaseMonitor Phase = "monitor"
	// PhaseExit: end reached, pause issued; terminal until navigate.
	PhaseExit Phase = "exit"
)

const pauseTimeout = 10 * time.Second

type event interface{ isEvent() }

type evtNavigate struct{}
type evtDuration struct{ d float64 }
type evtPlayhead struct{ t float64 }
type evtPhase struct{ reply chan Phase }

func (evtNavigate) isEvent() {}
func (evtDuration) isEvent() {}
func (evtPlayhead) isEvent() {}
func (evtPhase) isEvent()    {}

// Machine watches telemetry flowing through the control API and issues
// the end-of-playback pause back through the browser collaborator. One
// goroutine owns all machine state; callers only post events.
type Machine struct {
	inbox   chan event
	ctrl    browser.Controller
	store   *state.Store
	epsilon float64
	log     *zap.Logger

	phase    Phase
	duration float64
	// playhead reported before the duration was known; replayed on Sync.
	buffered    float64
	hasBuffered bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, store *state.Store, ctrl browser.Controller, epsilon float64, log *zap.Logger) *Machine {
	if epsilon < 0 {
		epsilon = 1.0
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Machine{
		inbox:   make(chan event, 64),
		ctrl:    ctrl,
		store:   store,
		epsilon: epsilon,
		log:     log.With(zap.String("component", "lifecycle")),
		phase:   PhaseLoad,
		ctx:     ctx,
		cancel:  cancel,
	}
	go m.loop()
	return m
}

// OnNavigate unconditionally resets the cycle, whatever the phase.
func (m *Machine) OnNavigate() { m.post(evtNavigate{}) }

// OnDuration feeds a set_duration command into the machine.
func (m *Machine) OnDuration(d float64) { m.post(evtDuration{d: d}) }

// OnPlayhead feeds an update_telemetry playhead into the machine.
func (m *Machine) OnPlayhead(t float64) { m.post(evtPlayhead{t: t}) }

// Phase reports the current lifecycle phase.
func (m *Machine) Phase() Phase {
	reply := make(chan Phase, 1)
	select {
	case m.inbox <- evtPhase{reply: reply}:
	case <-m.ctx.Done():
		return m.phase
	}
	select {
	case p := <-reply:
		return p
	case <-m.ctx.Done():
		return m.phase
	}
}

// Close stops the event loop.
func (m *Machine) Close() { m.cancel() }

func (m *Machine) post(e event) {
	select {
	case m.inbox <- e:
	case <-m.ctx.Done():
	}
}

func (m *Machine) loop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case e := <-m.inbox:
			switch ev := e.(type) {
			case evtNavigate:
				m.transition(PhaseLoad)
				m.duration = 0
				m.buffered = 0
				m.hasBuffered = false

			case evtDuration:
				m.duration = ev.d
				if m.phase == PhaseLoad {
					m.transition(PhaseSync)
					// Replay the playhead seen while the duration was
					// unknown, then start monitoring.
					if m.hasBuffered && m.endReached(m.buffered) {
						m.exit()
						continue
					}
					m.transition(PhaseMonitor)
				}

			case evtPlayhead:
				switch m.phase {
				case PhaseLoad:
					m.buffered = ev.t
					m.hasBuffered = true
				case PhaseMonitor:
					if m.endReached(ev.t) {
						m.exit()
					}
				}

			case evtPhase:
				ev.reply <- m.phase
			}
		}
	}
}

func (m *Machine) endReached(t float64) bool {
	return m.duration > 0 && t >= m.duration-m.epsilon
}

// exit pauses playback and latches the completed status. Runs at most
// once per cycle: the phase guard in loop() keeps Exit terminal.
func (m *Machine) exit() {
	m.transition(PhaseExit)
	m.store.UpdateTelemetry(state.Patch{Status: statusPtr(state.StatusComplete)})

	ctx, cancel := context.WithTimeout(m.ctx, pauseTimeout)
	defer cancel()
	if err := m.ctrl.Interact(ctx, browser.ActionPause); err != nil {
		m.log.Warn("pause at end failed", zap.Error(err))
	}
}

func (m *Machine) transition(next Phase) {
	if m.phase == next {
		return
	}
	m.log.Info("phase transition",
		zap.String("from", string(m.phase)),
		zap.String("to", string(next)))
	m.phase = next
}

func statusPtr(s state.Status) *state.Status { return &s }
