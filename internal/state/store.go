package state

import (
	"errors"
	"image"
	"math"
	"sync"
)

var ErrOutOfBounds = errors.New("region outside display bounds")

// Status is the coarse playback state reported by the browser collaborator.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusLoading  Status = "loading"
	StatusPlaying  Status = "playing"
	StatusPaused   Status = "paused"
	StatusComplete Status = "complete"
)

func validStatus(s Status) bool {
	switch s {
	case StatusIdle, StatusLoading, StatusPlaying, StatusPaused, StatusComplete:
		return true
	}
	return false
}

// Region is the rectangular sub-area of the virtual display that gets
// captured and encoded. All fields are pixels.
type Region struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the region into an image.Rectangle for the grabber.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Left+r.Width, r.Top+r.Height)
}

// Telemetry is the playback state pushed in by the browser collaborator plus
// the sensor's own performance counters.
type Telemetry struct {
	CurrentTime   float64 `json:"current_time"`
	Duration      float64 `json:"duration"`
	IsEnded       bool    `json:"is_ended"`
	Status        Status  `json:"status"`
	FPS           float64 `json:"fps"`
	ActiveClients int     `json:"active_clients"`
}

// Patch is a partial telemetry update. Nil fields are left untouched.
type Patch struct {
	CurrentTime *float64
	Duration    *float64
	IsEnded     *bool
	Status      *Status
}

// Store owns the capture region and telemetry for the whole process.
// Every read observes a consistent pair; no caller ever sees a
// half-applied update.
type Store struct {
	mu        sync.RWMutex
	region    Region
	telemetry Telemetry
	display   image.Rectangle
}

// NewStore builds a store whose region validation is bounded by the given
// display geometry. The initial region covers the display origin at the
// standard 1280x720 viewport, clamped to the display.
func NewStore(displayWidth, displayHeight int) *Store {
	initial := Region{Top: 0, Left: 0, Width: 1280, Height: 720}
	if initial.Width > displayWidth {
		initial.Width = displayWidth
	}
	if initial.Height > displayHeight {
		initial.Height = displayHeight
	}
	return &Store{
		region:    initial,
		telemetry: Telemetry{Status: StatusIdle},
		display:   image.Rect(0, 0, displayWidth, displayHeight),
	}
}

// Snapshot returns the region and telemetry as one consistent pair.
func (s *Store) Snapshot() (Region, Telemetry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.region, s.telemetry
}

// Region returns just the capture region.
func (s *Store) Region() Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.region
}

// UpdateRegion replaces the capture region after validating it lies within
// the display bounds. On rejection the previous region is kept.
func (s *Store) UpdateRegion(r Region) error {
	if r.Top < 0 || r.Left < 0 || r.Width <= 0 || r.Height <= 0 {
		return ErrOutOfBounds
	}
	if !r.Rect().In(s.display) {
		return ErrOutOfBounds
	}
	s.mu.Lock()
	s.region = r
	s.mu.Unlock()
	return nil
}

// UpdateTelemetry applies a patch field by field. Non-finite or out-of-range
// numeric inputs are discarded and the prior value kept; the rest of the
// patch still applies. The returned slice names the rejected fields so the
// caller can log them.
func (s *Store) UpdateTelemetry(p Patch) (rejected []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CurrentTime != nil {
		if finite(*p.CurrentTime) && *p.CurrentTime >= 0 {
			s.telemetry.CurrentTime = *p.CurrentTime
		} else {
			rejected = append(rejected, "current_time")
		}
	}
	if p.Duration != nil {
		if finite(*p.Duration) && *p.Duration >= 0 {
			s.telemetry.Duration = *p.Duration
		} else {
			rejected = append(rejected, "duration")
		}
	}
	if p.IsEnded != nil {
		s.telemetry.IsEnded = *p.IsEnded
	}
	if p.Status != nil {
		if validStatus(*p.Status) {
			s.telemetry.Status = *p.Status
			if *p.Status == StatusComplete {
				// Latched: a completed video stays ended until navigate.
				s.telemetry.IsEnded = true
			}
		} else {
			rejected = append(rejected, "status")
		}
	}
	return rejected
}

// ResetPlayback reinitializes telemetry for a fresh navigation, keeping the
// sensor counters (fps, clients) intact.
func (s *Store) ResetPlayback(startTime float64) {
	if !finite(startTime) || startTime < 0 {
		startTime = 0
	}
	s.mu.Lock()
	s.telemetry.CurrentTime = startTime
	s.telemetry.Duration = 0
	s.telemetry.IsEnded = false
	s.telemetry.Status = StatusLoading
	s.mu.Unlock()
}

// SetFPS records the capture loop's instantaneous frame rate.
// Non-finite values are ignored.
func (s *Store) SetFPS(fps float64) {
	if !finite(fps) || fps < 0 {
		return
	}
	s.mu.Lock()
	s.telemetry.FPS = fps
	s.mu.Unlock()
}

// ClientConnected increments the active stream consumer count.
func (s *Store) ClientConnected() {
	s.mu.Lock()
	s.telemetry.ActiveClients++
	s.mu.Unlock()
}

// ClientDisconnected decrements the active stream consumer count.
func (s *Store) ClientDisconnected() {
	s.mu.Lock()
	if s.telemetry.ActiveClients > 0 {
		s.telemetry.ActiveClients--
	}
	s.mu.Unlock()
}

// Playhead returns the current playback position.
func (s *Store) Playhead() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telemetry.CurrentTime
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
