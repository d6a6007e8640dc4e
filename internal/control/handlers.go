package control

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"go.uber.org/zap"

	"github.com/visionvm/sensor/internal/browser"
	"github.com/visionvm/sensor/internal/state"
)

const maxBodyBytes = 1 << 20

// Lifecycle receives the telemetry notifications the playback state
// machine acts on. Satisfied by *lifecycle.Machine.
type Lifecycle interface {
	OnNavigate()
	OnDuration(d float64)
	OnPlayhead(t float64)
}

// API holds the handler dependencies: the shared state store, the browser
// collaborator and the lifecycle machine.
type API struct {
	store *state.Store
	ctrl  browser.Controller
	fsm   Lifecycle
	log   *zap.Logger
}

func NewAPI(store *state.Store, ctrl browser.Controller, fsm Lifecycle, log *zap.Logger) *API {
	return &API{
		store: store,
		ctrl:  ctrl,
		fsm:   fsm,
		log:   log.With(zap.String("component", "control")),
	}
}

// ── Request / response shapes ────────────────────────────────────────────

type regionRequest struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type durationRequest struct {
	Duration *float64 `json:"duration"`
}

type telemetryRequest struct {
	CurrentTime *float64 `json:"current_time"`
	IsEnded     *bool    `json:"is_ended"`
	VideoStatus *string  `json:"video_status"`
	Duration    *float64 `json:"duration"`
}

type navigateRequest struct {
	URL  string   `json:"url"`
	Time *float64 `json:"time"`
	Mode *string  `json:"mode"`
}

type interactRequest struct {
	Action string `json:"action"`
}

type seekRequest struct {
	Time *float64 `json:"time"`
}

type statusResponse struct {
	Status        string          `json:"status"`
	CaptureRegion state.Region    `json:"capture_region"`
	Video         state.Telemetry `json:"video"`
	FPS           float64         `json:"fps"`
	ActiveClients int             `json:"active_clients"`
}

// ── Handlers ─────────────────────────────────────────────────────────────

func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	region, tel := a.store.Snapshot()
	a.writeJSON(w, http.StatusOK, statusResponse{
		Status:        "ok",
		CaptureRegion: region,
		Video:         tel,
		FPS:           tel.FPS,
		ActiveClients: tel.ActiveClients,
	})
}

func (a *API) UpdateRegion(w http.ResponseWriter, r *http.Request) {
	var req regionRequest
	if !a.decode(w, r, &req) {
		return
	}

	err := a.store.UpdateRegion(state.Region{
		Top: req.Top, Left: req.Left, Width: req.Width, Height: req.Height,
	})
	if errors.Is(err, state.ErrOutOfBounds) {
		a.writeError(w, http.StatusBadRequest, "region outside display bounds")
		return
	}

	region, tel := a.store.Snapshot()
	a.log.Info("region updated",
		zap.Int("top", region.Top), zap.Int("left", region.Left),
		zap.Int("width", region.Width), zap.Int("height", region.Height))
	a.writeJSON(w, http.StatusOK, statusResponse{
		Status:        "ok",
		CaptureRegion: region,
		Video:         tel,
		FPS:           tel.FPS,
		ActiveClients: tel.ActiveClients,
	})
}

func (a *API) SetDuration(w http.ResponseWriter, r *http.Request) {
	var req durationRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Duration == nil || !isFinite(*req.Duration) || *req.Duration < 0 {
		a.writeError(w, http.StatusBadRequest, "duration must be a finite number >= 0")
		return
	}

	a.store.UpdateTelemetry(state.Patch{Duration: req.Duration})
	a.fsm.OnDuration(*req.Duration)
	a.writeAck(w)
}

func (a *API) UpdateTelemetry(w http.ResponseWriter, r *http.Request) {
	var req telemetryRequest
	if !a.decode(w, r, &req) {
		return
	}

	patch := state.Patch{
		CurrentTime: req.CurrentTime,
		Duration:    req.Duration,
		IsEnded:     req.IsEnded,
	}
	if req.VideoStatus != nil {
		s := state.Status(*req.VideoStatus)
		patch.Status = &s
	}

	rejected := a.store.UpdateTelemetry(patch)
	if len(rejected) > 0 {
		a.log.Warn("telemetry fields rejected", zap.Strings("fields", rejected))
	}

	if req.CurrentTime != nil && !contains(rejected, "current_time") {
		a.fsm.OnPlayhead(*req.CurrentTime)
	}
	if req.Duration != nil && !contains(rejected, "duration") {
		a.fsm.OnDuration(*req.Duration)
	}
	a.writeAck(w)
}

func (a *API) Navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		a.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	start := 0.0
	if req.Time != nil {
		if !isFinite(*req.Time) || *req.Time < 0 {
			a.writeError(w, http.StatusBadRequest, "time must be a finite number >= 0")
			return
		}
		start = *req.Time
	}

	// Absent mode means theater (the player layout the capture region is
	// tuned for); an explicit "" skips the mode switch.
	mode := browser.ModeTheater
	if req.Mode != nil {
		mode = *req.Mode
	}

	if err := a.ctrl.Navigate(r.Context(), req.URL, start); err != nil {
		a.log.Error("navigate failed", zap.String("url", req.URL), zap.Error(err))
		a.writeError(w, http.StatusBadGateway, "navigate failed: "+err.Error())
		return
	}

	a.store.ResetPlayback(start)
	a.fsm.OnNavigate()

	if mode != "" {
		if err := a.ctrl.SetMode(r.Context(), mode); err != nil {
			a.log.Error("set mode failed", zap.String("mode", mode), zap.Error(err))
			a.writeError(w, http.StatusBadGateway, "set mode failed: "+err.Error())
			return
		}
	}
	a.writeAck(w)
}

func (a *API) Interact(w http.ResponseWriter, r *http.Request) {
	var req interactRequest
	if !a.decode(w, r, &req) {
		return
	}

	action := browser.Action(req.Action)
	if action != browser.ActionPlay && action != browser.ActionPause {
		a.writeError(w, http.StatusBadRequest, "action must be \"play\" or \"pause\"")
		return
	}

	if err := a.ctrl.Interact(r.Context(), action); err != nil {
		a.log.Error("interact failed", zap.String("action", req.Action), zap.Error(err))
		a.writeError(w, http.StatusBadGateway, "interact failed: "+err.Error())
		return
	}
	a.writeAck(w)
}

func (a *API) Seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Time == nil || !isFinite(*req.Time) || *req.Time < 0 {
		a.writeError(w, http.StatusBadRequest, "time must be a finite number >= 0")
		return
	}

	// Telemetry stays untouched: the playhead moves when the browser
	// reports it via update_telemetry.
	if err := a.ctrl.Seek(r.Context(), *req.Time); err != nil {
		a.log.Error("seek failed", zap.Float64("time", *req.Time), zap.Error(err))
		a.writeError(w, http.StatusBadGateway, "seek failed: "+err.Error())
		return
	}
	a.writeAck(w)
}

// ── Helpers ──────────────────────────────────────────────────────────────

// decode parses the JSON body, reporting a structured 400 on any
// malformed input. Returns false when the response is already written.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func (a *API) writeAck(w http.ResponseWriter) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) writeError(w http.ResponseWriter, code int, msg string) {
	a.writeJSON(w, code, map[string]string{"status": "error", "message": msg})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.log.Error("response encode failed", zap.Error(err))
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
