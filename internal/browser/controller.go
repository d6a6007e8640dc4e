package browser

import (
	"context"
	"errors"
)

// Action is a high-level playback interaction delegated to the browser.
type Action string

const (
	ActionPlay  Action = "play"
	ActionPause Action = "pause"
)

// ModeTheater widens the player to fill the viewport; other mode strings
// leave the page presentation alone.
const ModeTheater = "theater"

var ErrUnknownAction = errors.New("unknown interaction action")

// Controller is the capability handed to the rest of the sensor for
// driving the automated browser. The sensor never embeds player logic;
// it only invokes these operations and consumes the telemetry the
// browser side pushes back through the control API.
type Controller interface {
	// Navigate loads url in the active tab, creating one if needed.
	// seekTime > 0 asks the player to resume from that position.
	Navigate(ctx context.Context, url string, seekTime float64) error
	// SetMode switches the player presentation after a navigation.
	// Modes without a page-side binding are a no-op.
	SetMode(ctx context.Context, mode string) error
	// Interact toggles playback.
	Interact(ctx context.Context, action Action) error
	// Seek jumps the playhead. Telemetry is not updated here; the next
	// inbound telemetry push reflects the new position.
	Seek(ctx context.Context, seconds float64) error
}
