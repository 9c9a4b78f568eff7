// Package telemetry records replayed frames and exposes them, together with device
// control endpoints, over HTTP.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/usemu/internal/device"
	"github.com/rjboer/usemu/internal/dsp"
	"github.com/rjboer/usemu/internal/logging"
)

// Config is the runtime configuration exposed by the hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
)

func defaultConfig() Config {
	return Config{HistoryLimit: 500}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return cfg, nil
}

// FrameEvent describes one frame seen by the downstream observer.
type FrameEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	RunID        string    `json:"runId"`
	Seq          uint64    `json:"seq"`
	Burst        uint64    `json:"burst"`
	DatasetIndex int       `json:"datasetIndex"`
	Slot         int       `json:"slot"`
	RMS          float64   `json:"rms"`
}

// SpectrumSnapshot is the latest frame spectrum.
type SpectrumSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
	dsp.Spectrum
}

// Controller is the device surface the control endpoints drive.
type Controller interface {
	Trigger() error
	SetParameters(params device.Parameters) error
	Stats() device.Stats
}

// Stats combines device counters with what the hub observed.
type Stats struct {
	Device         *device.Stats `json:"device,omitempty"`
	FramesObserved uint64        `json:"framesObserved"`
	HighWatermarks uint64        `json:"highWatermarks"`
	LowWatermarks  uint64        `json:"lowWatermarks"`
	UptimeSeconds  float64       `json:"uptimeSeconds"`
}

// Hub collects history and fans out frame events to subscribers.
type Hub struct {
	mu          sync.RWMutex
	history     []FrameEvent
	subscribers map[chan FrameEvent]struct{}
	config      Config
	spectrum    *SpectrumSnapshot
	controller  Controller

	logger  logging.Logger
	started time.Time

	frames atomic.Uint64
	highs  atomic.Uint64
	lows   atomic.Uint64
}

// NewHub builds a telemetry hub with the provided history limit.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, err := validateConfig(cfg, defaultConfig())
	if err != nil {
		cfg = defaultConfig()
	}
	return &Hub{
		subscribers: make(map[chan FrameEvent]struct{}),
		config:      cfg,
		logger:      logger.With(logging.Field{Key: "subsystem", Value: "telemetry"}),
		started:     time.Now(),
	}
}

// SetController attaches the device driven by the control endpoints.
func (h *Hub) SetController(c Controller) {
	h.mu.Lock()
	h.controller = c
	h.mu.Unlock()
}

// ReportFrame implements Reporter and records a new frame event.
func (h *Hub) ReportFrame(ev FrameEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.frames.Add(1)

	h.mu.Lock()
	h.history = append(h.history, ev)
	if len(h.history) > h.config.HistoryLimit {
		h.history = h.history[len(h.history)-h.config.HistoryLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// UpdateSpectrum stores the spectrum of frame seq.
func (h *Hub) UpdateSpectrum(seq uint64, s dsp.Spectrum) {
	snap := &SpectrumSnapshot{Timestamp: time.Now(), Seq: seq, Spectrum: s}
	h.mu.Lock()
	h.spectrum = snap
	h.mu.Unlock()
}

// Spectrum returns the latest spectrum snapshot, if any.
func (h *Hub) Spectrum() (SpectrumSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.spectrum == nil {
		return SpectrumSnapshot{}, false
	}
	return *h.spectrum, true
}

// History returns a copy of stored frame events.
func (h *Hub) History() []FrameEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]FrameEvent, len(h.history))
	copy(out, h.history)
	return out
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Stats returns the hub counters and, when a controller is attached, the device counters.
func (h *Hub) Stats() Stats {
	st := Stats{
		FramesObserved: h.frames.Load(),
		HighWatermarks: h.highs.Load(),
		LowWatermarks:  h.lows.Load(),
		UptimeSeconds:  time.Since(h.started).Seconds(),
	}
	if c := h.controllerSnapshot(); c != nil {
		ds := c.Stats()
		st.Device = &ds
	}
	return st
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan FrameEvent, func()) {
	ch := make(chan FrameEvent, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// WatchWatermarks counts ring occupancy crossings until ctx is done.
func (h *Hub) WatchWatermarks(ctx context.Context, high, low <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-high:
			h.highs.Add(1)
			h.logger.Debug("frame buffer reached high watermark")
		case <-low:
			h.lows.Add(1)
			h.logger.Debug("frame buffer drained to low watermark")
		}
	}
}

// MultiReporter fans out frame events to multiple destinations.
type MultiReporter []Reporter

// ReportFrame forwards the event to each configured reporter.
func (m MultiReporter) ReportFrame(ev FrameEvent) {
	for _, r := range m {
		if r != nil {
			r.ReportFrame(ev)
		}
	}
}

func (h *Hub) controllerSnapshot() Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	if len(h.history) > cfg.HistoryLimit {
		h.history = h.history[len(h.history)-cfg.HistoryLimit:]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(kind device.Kind) int {
	switch kind {
	case device.KindInvalidState:
		return http.StatusConflict
	case device.KindUnknownParameter, device.KindOutOfRange, device.KindInvalidSlice:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Hub) writeDeviceError(w http.ResponseWriter, err error) {
	kind := device.KindOf(err)
	writeJSON(w, statusFor(kind), errorResponse{Error: string(kind), Message: err.Error()})
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.History())
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.Stats())
}

func (h *Hub) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, ok := h.Spectrum()
	if !ok {
		http.Error(w, "no spectrum yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Hub) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c := h.controllerSnapshot()
	if c == nil {
		http.Error(w, "no device attached", http.StatusServiceUnavailable)
		return
	}
	st := c.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   st.State,
		"runId":   st.RunID,
		"txBegin": st.TxBegin,
		"txEnd":   st.TxEnd,
	})
}

func (h *Hub) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c := h.controllerSnapshot()
	if c == nil {
		http.Error(w, "no device attached", http.StatusServiceUnavailable)
		return
	}
	if err := c.Trigger(); err != nil {
		h.writeDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) handleParameters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c := h.controllerSnapshot()
	if c == nil {
		http.Error(w, "no device attached", http.StatusServiceUnavailable)
		return
	}
	var params device.Parameters
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, fmt.Sprintf("invalid parameters payload: %v", err), http.StatusBadRequest)
		return
	}
	if err := c.SetParameters(params); err != nil {
		h.logger.Warn("parameter update rejected", logging.Err(err))
		h.writeDeviceError(w, err)
		return
	}
	h.logger.Info("parameters staged", logging.Field{Key: "count", Value: len(params)})
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	current := h.config
	h.mu.RUnlock()

	cfg, err := validateConfig(incoming, current)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.applyConfig(cfg)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, cfg)
}

func writeEvent(w http.ResponseWriter, ev FrameEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, ev := range h.History() {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("live stream closed", logging.Err(err))
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
