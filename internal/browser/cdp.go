package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	cdpTimeout = 10 * time.Second
	// How long a freshly navigated page gets to build its player before a
	// mode keypress is dispatched at it.
	modeSettleDelay = 2 * time.Second
)

// CDPController drives the Chrome instance on the virtual display through
// the DevTools protocol: tab discovery over the /json HTTP endpoints,
// commands over the per-page websocket.
type CDPController struct {
	baseURL     string
	client      *http.Client
	settleDelay time.Duration
	log         *zap.Logger
}

func NewCDPController(host string, port int, log *zap.Logger) *CDPController {
	return &CDPController{
		baseURL:     fmt.Sprintf("http://%s:%d", host, port),
		client:      &http.Client{Timeout: cdpTimeout},
		settleDelay: modeSettleDelay,
		log:         log.With(zap.String("component", "browser")),
	}
}

type tab struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	URL          string `json:"url"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
}

type cdpRequest struct {
	ID     int            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type cdpResponse struct {
	ID    int             `json:"id"`
	Error *cdpError       `json:"error,omitempty"`
	Raw   json.RawMessage `json:"result,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *CDPController) Navigate(ctx context.Context, target string, seekTime float64) error {
	if seekTime > 0 {
		var err error
		if target, err = withStartTime(target, seekTime); err != nil {
			return err
		}
	}

	tabs, err := c.listTabs(ctx)
	if err != nil {
		return err
	}
	if len(tabs) == 0 {
		return c.newTab(ctx, target)
	}

	c.log.Info("navigating", zap.String("url", target), zap.String("tab", tabs[0].ID))
	_, err = c.send(ctx, tabs[0], "Page.navigate", map[string]any{"url": target})
	return err
}

// theaterModeExpr presses 't' on the player element, the keybinding the
// page exposes for theater mode.
const theaterModeExpr = `(() => {
  const player = document.querySelector('#movie_player');
  if (player) {
    player.dispatchEvent(new KeyboardEvent('keydown', {
      key: 't', code: 'KeyT', keyCode: 84, which: 84, bubbles: true,
    }));
  }
})()`

func (c *CDPController) SetMode(ctx context.Context, mode string) error {
	if mode != ModeTheater {
		// Only theater has a keybinding; anything else keeps the default
		// page presentation.
		return nil
	}

	select {
	case <-time.After(c.settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	c.log.Info("setting player mode", zap.String("mode", mode))
	return c.evaluate(ctx, theaterModeExpr)
}

func (c *CDPController) Interact(ctx context.Context, action Action) error {
	var expr string
	switch action {
	case ActionPlay:
		expr = "(() => { const v = document.querySelector('video'); if (v) v.play(); })()"
	case ActionPause:
		expr = "(() => { const v = document.querySelector('video'); if (v) v.pause(); })()"
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	c.log.Info("interact", zap.String("action", string(action)))
	return c.evaluate(ctx, expr)
}

func (c *CDPController) Seek(ctx context.Context, seconds float64) error {
	c.log.Info("seek", zap.Float64("seconds", seconds))
	expr := fmt.Sprintf(
		"(() => { const v = document.querySelector('video'); if (v) v.currentTime = %g; })()", seconds)
	return c.evaluate(ctx, expr)
}

func (c *CDPController) evaluate(ctx context.Context, expr string) error {
	tabs, err := c.listTabs(ctx)
	if err != nil {
		return err
	}
	if len(tabs) == 0 {
		return fmt.Errorf("cdp: no open tab to evaluate in")
	}
	_, err = c.send(ctx, tabs[0], "Runtime.evaluate", map[string]any{"expression": expr})
	return err
}

func (c *CDPController) listTabs(ctx context.Context) ([]tab, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cdp: list tabs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp: list tabs: unexpected status %s", resp.Status)
	}

	var all []tab
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("cdp: decode tab list: %w", err)
	}
	pages := all[:0]
	for _, t := range all {
		if t.Type == "" || t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

func (c *CDPController) newTab(ctx context.Context, target string) error {
	u := c.baseURL + "/json/new?" + url.QueryEscape(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cdp: new tab: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cdp: new tab: unexpected status %s", resp.Status)
	}
	return nil
}

// send issues one command over the tab's debugger websocket and waits for
// the matching response. Every exchange is bounded by cdpTimeout.
func (c *CDPController) send(ctx context.Context, t tab, method string, params map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, cdpTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, t.WebSocketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", t.WebSocketURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	payload, err := json.Marshal(cdpRequest{ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return nil, fmt.Errorf("cdp: send %s: %w", method, err)
	}

	// The page socket also carries unsolicited events; read until the
	// reply with our id arrives.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("cdp: read %s reply: %w", method, err)
		}
		var resp cdpResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.ID != 1 {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("cdp: %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Raw, nil
	}
}

// withStartTime appends a t= query parameter so navigation resumes from
// the given position (idempotent restarts land on the same playhead).
func withStartTime(target string, seconds float64) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("cdp: bad url %q: %w", target, err)
	}
	q := u.Query()
	q.Set("t", fmt.Sprintf("%d", int(seconds)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var _ Controller = (*CDPController)(nil)
