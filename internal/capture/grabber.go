package capture

import (
	"fmt"
	"image"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/vova616/screenshot"
)

// Grabber samples a rectangular region of the backing framebuffer.
type Grabber interface {
	Grab(r image.Rectangle) (*image.RGBA, error)
}

// X11Grabber samples the X display named by the DISPLAY environment
// variable (the Xvfb instance the browser renders into).
type X11Grabber struct{}

func (X11Grabber) Grab(r image.Rectangle) (*image.RGBA, error) {
	img, err := screenshot.CaptureRect(r)
	if err != nil {
		return nil, fmt.Errorf("capture rect %v: %w", r, err)
	}
	return img, nil
}

// ProbeDisplay connects to the given X display and returns its pixel
// bounds. A probe failure at startup is fatal: without the display there
// is nothing to capture.
func ProbeDisplay(display string) (image.Rectangle, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("connect display %s: %w", display, err)
	}
	defer conn.Close()

	screen := xproto.Setup(conn).DefaultScreen(conn)
	w, h := int(screen.WidthInPixels), int(screen.HeightInPixels)
	if w <= 0 || h <= 0 {
		return image.Rectangle{}, fmt.Errorf("display %s reports invalid geometry %dx%d, is Xvfb running?", display, w, h)
	}
	return image.Rect(0, 0, w, h), nil
}
