// Package api serves the HTTP surface of the audio server: REST cue and
// settings management, waveform peaks, health, metrics, the GraphQL endpoint
// and the engine endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/99designs/gqlgen/graphql/playground"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/bbernstein/lacylights-audio/internal/cues"
	"github.com/bbernstein/lacylights-audio/internal/metrics"
	"github.com/bbernstein/lacylights-audio/internal/services/settings"
	"github.com/bbernstein/lacylights-audio/internal/services/waveform"
)

const maxBodyBytes = 1 << 20

// CueStore is the cue persistence the API manages.
type CueStore interface {
	All() []cues.Cue
	Get(id string) (cues.Cue, bool)
	Upsert(ctx context.Context, patch cues.CuePatch) (cues.Cue, error)
	Delete(id string) bool
	UpdateDuration(id string, seconds float64, itemID string) bool
}

// SettingsStore holds the runtime settings.
type SettingsStore interface {
	Get() settings.Settings
	Update(ctx context.Context, mutate func(*settings.Settings)) (settings.Settings, error)
}

// PeakSource produces waveform peaks for a file.
type PeakSource interface {
	GetOrGeneratePeaks(ctx context.Context, path string) waveform.Result
}

// Deps are the services behind the routes. Status, Engine and GraphQL may
// be nil.
type Deps struct {
	Cues     CueStore
	Settings SettingsStore
	Peaks    PeakSource
	Engine   http.Handler
	GraphQL  http.Handler
	Metrics  *metrics.Metrics
	Status   func() any

	Version     string
	CORSOrigins []string
	Debug       bool
	Logger      zerolog.Logger
}

type handlers struct {
	Deps
	started time.Time
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	h := &handlers{Deps: d, started: time.Now()}
	h.Logger = d.Logger.With().Str("component", "api").Logger()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(d.Metrics.Middleware)

	router.Use(cors.New(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		Debug:            d.Debug,
	}).Handler)

	// The engine session is long-lived and stays outside the request timeout.
	if d.Engine != nil {
		router.Handle("/engine", d.Engine)
	}
	// GraphQL subscriptions hold a websocket open as well.
	if d.GraphQL != nil {
		router.Handle("/graphql", d.GraphQL)
		if d.Debug {
			router.Handle("/", playground.Handler("LacyLights Audio GraphQL Playground", "/graphql"))
		}
	}

	router.Group(func(r chi.Router) {
		// Waveform generation retries under its own deadline.
		r.Use(middleware.Timeout(2 * time.Minute))

		r.Get("/health", h.health)
		r.Handle("/metrics", d.Metrics.Handler())

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", h.status)

			r.Get("/cues", h.listCues)
			r.Post("/cues", h.upsertCue)
			r.Get("/cues/{id}", h.getCue)
			r.Delete("/cues/{id}", h.deleteCue)
			r.Put("/cues/{id}/duration", h.updateDuration)

			r.Get("/settings", h.getSettings)
			r.Put("/settings", h.updateSettings)

			r.Get("/waveform", h.waveform)
		})
	})
	return router
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.Version,
		"uptime":    time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	if h.Status == nil {
		writeError(w, http.StatusNotFound, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.Status())
}

func (h *handlers) listCues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cues.All())
}

func (h *handlers) getCue(w http.ResponseWriter, r *http.Request) {
	cue, ok := h.Cues.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, cues.ErrCueNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, cue)
}

func (h *handlers) upsertCue(w http.ResponseWriter, r *http.Request) {
	var patch cues.CuePatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cue, err := h.Cues.Upsert(r.Context(), patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cue)
}

func (h *handlers) deleteCue(w http.ResponseWriter, r *http.Request) {
	if !h.Cues.Delete(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, cues.ErrCueNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type durationRequest struct {
	DurationSec float64 `json:"durationSec"`
	ItemID      string  `json:"itemId"`
}

func (h *handlers) updateDuration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.Cues.Get(id); !ok {
		writeError(w, http.StatusNotFound, cues.ErrCueNotFound.Error())
		return
	}
	var req durationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated := h.Cues.UpdateDuration(id, req.DurationSec, req.ItemID)
	writeJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

func (h *handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Settings.Get())
}

// updateSettings overlays the request body on the current settings, so a
// client may send only the sections it changes.
func (h *handlers) updateSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var probe settings.Settings
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}

	next, err := h.Settings.Update(r.Context(), func(s *settings.Settings) {
		_ = json.Unmarshal(body, s)
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (h *handlers) waveform(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := h.Peaks.GetOrGeneratePeaks(r.Context(), path)
	if !result.OK() {
		h.Logger.Warn().Str("path", path).Str("error", string(result.Error)).Msg("waveform generation failed")
		writeJSON(w, http.StatusBadGateway, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
