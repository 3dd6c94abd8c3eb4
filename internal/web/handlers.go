package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/GimbalGo/internal/config"
	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
	"github.com/cjeanneret/GimbalGo/internal/logic/motion"
	"github.com/cjeanneret/GimbalGo/internal/logic/pid"
	"github.com/cjeanneret/GimbalGo/internal/logic/sequence"
)

// MaxBodyBytes limits every request body.
const MaxBodyBytes = 1 << 20

// GyroSink receives phone gyro rates in degrees per second.
type GyroSink interface {
	Set(geometry.Pose)
	Clear()
}

// VersionInfo is reported by GET /api/version.
type VersionInfo struct {
	Firmware string `json:"firmware"`
	Hardware string `json:"hardware"`
}

// Deps are the collaborators shared by the HTTP handlers and the hub.
type Deps struct {
	Controller  *motion.Controller
	Store       *config.Store
	Runner      *sequence.Runner
	Gyro        GyroSink // nil when no external sensor is configured
	Broadcaster *LogBroadcaster
	Version     VersionInfo
	// Context bounds background sequences. Defaults to context.Background.
	Context context.Context
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Deps
	staticFS fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(d Deps, staticFS fs.FS) *Handlers {
	if d.Broadcaster == nil {
		d.Broadcaster = NewLogBroadcaster()
	}
	if d.Context == nil {
		d.Context = context.Background()
	}
	return &Handlers{Deps: d, staticFS: staticFS}
}

// poseRequest requires all three angles.
type poseRequest struct {
	Yaw   *float64 `json:"yaw"`
	Pitch *float64 `json:"pitch"`
	Roll  *float64 `json:"roll"`
}

func (p poseRequest) pose() (geometry.Pose, error) {
	if p.Yaw == nil || p.Pitch == nil || p.Roll == nil {
		return geometry.Pose{}, errors.New("yaw, pitch and roll are required")
	}
	pose := geometry.Pose{Yaw: *p.Yaw, Pitch: *p.Pitch, Roll: *p.Roll}
	return pose, pose.Validate()
}

type modeRequest struct {
	Mode *config.Mode `json:"mode"`
}

type timedMoveRequest struct {
	DurationMs  *int64       `json:"duration_ms"`
	EndPosition *poseRequest `json:"end_position"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	motion.Status
	Sequence string `json:"sequence,omitempty"`
}

// ConfigResponse is returned by GET and POST /api/config.
type ConfigResponse struct {
	Mode          config.Mode    `json:"mode"`
	Kp            float64        `json:"kp"`
	Ki            float64        `json:"ki"`
	Kd            float64        `json:"kd"`
	Smoothing     float64        `json:"smoothing"`
	YawTrim       float64        `json:"yaw_trim"`
	PitchTrim     float64        `json:"pitch_trim"`
	RollTrim      float64        `json:"roll_trim"`
	FlatReference *geometry.Pose `json:"flat_reference"`
}

func configResponse(c config.Control) ConfigResponse {
	return ConfigResponse{
		Mode:          c.Mode,
		Kp:            c.Kp,
		Ki:            c.Ki,
		Kd:            c.Kd,
		Smoothing:     c.Smoothing,
		YawTrim:       c.YawTrim,
		PitchTrim:     c.PitchTrim,
		RollTrim:      c.RollTrim,
		FlatReference: c.FlatReference,
	}
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleHealth handles GET /api/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// HandleVersion handles GET /api/version.
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Version)
}

// HandleStatus handles GET /api/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: h.Controller.Status()}
	if h.Runner != nil {
		resp.Sequence, _ = h.Runner.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleMode handles POST /api/mode.
func (h *Handlers) HandleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Mode == nil {
		http.Error(w, "mode is required", http.StatusBadRequest)
		return
	}
	debug.Command("http", "mode", *req.Mode)
	if err := h.Controller.SetMode(*req.Mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mode": *req.Mode})
}

// HandlePosition handles POST /api/position.
func (h *Handlers) HandlePosition(w http.ResponseWriter, r *http.Request) {
	h.handlePose(w, r, "position", h.Controller.SetManualPosition)
}

// HandleAutoTarget handles POST /api/auto-target.
func (h *Handlers) HandleAutoTarget(w http.ResponseWriter, r *http.Request) {
	h.handlePose(w, r, "auto-target", h.Controller.SetAutoTarget)
}

func (h *Handlers) handlePose(w http.ResponseWriter, r *http.Request, name string, apply func(geometry.Pose) error) {
	var req poseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := req.pose()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	debug.Command("http", name, p)
	if err := apply(p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", name: p})
}

// HandleTimedMove handles POST /api/timed-move.
func (h *Handlers) HandleTimedMove(w http.ResponseWriter, r *http.Request) {
	var req timedMoveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DurationMs == nil || req.EndPosition == nil {
		http.Error(w, "duration_ms and end_position are required", http.StatusBadRequest)
		return
	}
	d, err := motion.MoveDuration(float64(*req.DurationMs))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	end, err := req.EndPosition.pose()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	debug.Command("http", "timed-move", fmt.Sprintf("%v over %v", end, d))
	if err := h.Controller.StartTimedMove(d, end); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "duration_ms": *req.DurationMs, "end_position": end})
}

// HandleCenter handles POST /api/center.
func (h *Handlers) HandleCenter(w http.ResponseWriter, r *http.Request) {
	debug.Command("http", "center", "")
	if err := h.Controller.Center(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": h.Controller.Status().ManualTarget})
}

// HandleFlatReference handles POST /api/flat-reference.
func (h *Handlers) HandleFlatReference(w http.ResponseWriter, r *http.Request) {
	debug.Command("http", "flat-reference", "")
	p, err := h.Controller.CaptureFlatReference()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "flat_reference": p})
}

// HandleGetConfig handles GET /api/config.
func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse(h.Store.Control()))
}

// HandleUpdateConfig handles POST /api/config. Only gains, smoothing and
// trims are accepted; the mode has its own endpoint.
func (h *Handlers) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var u config.TuningUpdate
	if !decodeJSON(w, r, &u) {
		return
	}
	if err := validateTuning(h.Store.Control(), u); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	debug.Command("http", "config", u)
	ctl, err := h.Store.UpdateTuning(u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse(ctl))
}

// validateTuning checks the merged result the store will apply.
func validateTuning(cur config.Control, u config.TuningUpdate) error {
	pick := func(v *float64, old float64) float64 {
		if v != nil {
			return *v
		}
		return old
	}
	kp, ki, kd := pick(u.Kp, cur.Kp), pick(u.Ki, cur.Ki), pick(u.Kd, cur.Kd)
	if !pid.ValidGains(kp, ki, kd) {
		return fmt.Errorf("gains must be finite and >= 0")
	}
	if err := config.ValidateSmoothing(pick(u.Smoothing, cur.Smoothing)); err != nil {
		return err
	}
	for _, t := range []float64{pick(u.YawTrim, cur.YawTrim), pick(u.PitchTrim, cur.PitchTrim), pick(u.RollTrim, cur.RollTrim)} {
		if err := config.ValidateTrim(t); err != nil {
			return err
		}
	}
	return nil
}

// HandleListPresets handles GET /api/presets.
func (h *Handlers) HandleListPresets(w http.ResponseWriter, r *http.Request) {
	presets := h.Store.Presets()
	if presets == nil {
		presets = []config.Preset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": presets})
}

// HandleSavePreset handles POST /api/presets.
func (h *Handlers) HandleSavePreset(w http.ResponseWriter, r *http.Request) {
	var p config.Preset
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Store.SavePreset(p); err != nil {
		writeError(w, err)
		return
	}
	debug.Live("Preset %q saved (%d steps)", p.Name, len(p.Steps))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "preset": p})
}

// HandleDeletePreset handles DELETE /api/presets/{name}.
func (h *Handlers) HandleDeletePreset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.Store.DeletePreset(name); err != nil {
		writeError(w, err)
		return
	}
	debug.Live("Preset %q deleted", name)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// HandleExecutePreset handles POST /api/presets/{name}/execute. The preset
// runs in the background; 409 is returned while another sequence runs.
func (h *Handlers) HandleExecutePreset(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.Preset(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.startSequence(w, p.Name, sequence.FromPreset(p))
}

// HandleSelfTest handles POST /api/selftest.
func (h *Handlers) HandleSelfTest(w http.ResponseWriter, r *http.Request) {
	flat, ok := h.Controller.FlatReference()
	var ref *geometry.Pose
	if ok {
		ref = &flat
	}
	h.startSequence(w, "selftest", sequence.SelfTest(ref, h.Controller.CurrentPosition()))
}

func (h *Handlers) startSequence(w http.ResponseWriter, name string, steps []sequence.Step) {
	if h.Runner == nil {
		http.Error(w, "sequences not configured", http.StatusServiceUnavailable)
		return
	}
	err := h.Runner.Start(h.Context, name, steps, func(err error) {
		if err != nil {
			h.Broadcaster.Broadcast("error", fmt.Sprintf("Sequence %s failed: %v", name, err))
			return
		}
		h.Broadcaster.Broadcast("info", "Sequence "+name+" complete")
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "sequence": name})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// decodeJSON reads a single JSON object into v. It writes the error
// response and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		http.Error(w, "invalid JSON: trailing data", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps core errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, geometry.ErrOutOfRange), errors.Is(err, config.ErrInvalidMode),
		errors.Is(err, motion.ErrInvalidDuration):
		code = http.StatusBadRequest
	case errors.Is(err, config.ErrPresetNotFound):
		code = http.StatusNotFound
	case errors.Is(err, sequence.ErrBusy):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		debug.Error(err)
	}
	http.Error(w, err.Error(), code)
}
