package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"vigil/internal/database"
	"vigil/internal/media"
	"vigil/internal/stream"
)

const (
	defaultRecentLimit = 25
	defaultFilterLimit = 100
	maxQueryLimit      = 500
	maxThumbnailWidth  = 1024
	minThumbnailWidth  = 16
)

// Server exposes the read API, settings endpoint, metrics and the event
// WebSocket over one HTTP listener.
type Server struct {
	addr      string
	db        *database.Database
	store     *media.Store
	hub       *EventHub
	live      *stream.FrameCache
	validator *TokenValidator
	logger    *zap.Logger
}

// NewServer wires the API server. validator may be nil, which leaves the
// /api routes unauthenticated; live may be nil, which disables the
// live view endpoints.
func NewServer(addr string, db *database.Database, store *media.Store, hub *EventHub, live *stream.FrameCache, validator *TokenValidator, logger *zap.Logger) *Server {
	return &Server{
		addr:      addr,
		db:        db,
		store:     store,
		hub:       hub,
		live:      live,
		validator: validator,
		logger:    logger,
	}
}

// Routes builds the router. Health and metrics stay open; everything under
// /api requires a token when a validator is configured.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.validator != nil {
			r.Use(RequireToken(s.validator))
		}
		r.Get("/persons/recent", s.handleRecentEvents(database.EventKindPerson))
		r.Get("/vehicles/recent", s.handleRecentEvents(database.EventKindVehicle))
		r.Post("/events/filter", s.handleFilterEvents)
		r.Get("/media/{assetID}", s.handleMedia)
		r.Get("/live/{camera}", s.handleLive)
		r.Get("/live/{camera}/snapshot", s.handleSnapshot)
		r.Put("/settings", s.handlePutSetting)
		r.Get("/stats", s.handleStats)
		r.Get("/ws", s.hub.ServeWS)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Info("api server listening", zap.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		<-errc
		s.logger.Info("api server stopped")
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRecentEvents(kind database.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", defaultRecentLimit)
		if limit < 1 || limit > maxQueryLimit {
			writeError(w, http.StatusBadRequest, "limit out of range")
			return
		}
		events, err := s.db.RecentEvents(kind, limit)
		if err != nil {
			s.logger.Error("failed to list recent events", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		if events == nil {
			events = []*database.EventRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
	}
}

type filterRequest struct {
	Camera    string `json:"camera"`
	EventType string `json:"event_type"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleFilterEvents(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	filter := database.EventFilter{Camera: req.Camera, Limit: req.Limit}
	if filter.Limit <= 0 {
		filter.Limit = defaultFilterLimit
	}
	if filter.Limit > maxQueryLimit {
		filter.Limit = maxQueryLimit
	}
	if req.Start != "" {
		t, err := time.Parse(time.RFC3339, req.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start time")
			return
		}
		filter.Start = &t
	}
	if req.End != "" {
		t, err := time.Parse(time.RFC3339, req.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end time")
			return
		}
		filter.End = &t
	}

	persons := []*database.EventRecord{}
	vehicles := []*database.EventRecord{}
	var err error
	switch req.EventType {
	case "", "all":
		if persons, err = s.db.FilterEvents(database.EventKindPerson, filter); err == nil {
			vehicles, err = s.db.FilterEvents(database.EventKindVehicle, filter)
		}
	case string(database.EventKindPerson):
		persons, err = s.db.FilterEvents(database.EventKindPerson, filter)
	case string(database.EventKindVehicle):
		vehicles, err = s.db.FilterEvents(database.EventKindVehicle, filter)
	default:
		writeError(w, http.StatusBadRequest, "invalid event_type")
		return
	}
	if err != nil {
		s.logger.Error("failed to filter events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if persons == nil {
		persons = []*database.EventRecord{}
	}
	if vehicles == nil {
		vehicles = []*database.EventRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"person_events":  persons,
		"vehicle_events": vehicles,
	})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "assetID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid asset id")
		return
	}

	asset, err := s.db.GetMediaAsset(id)
	if err != nil {
		s.logger.Error("failed to load media asset", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if asset == nil {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}

	path, err := s.store.Resolve(asset.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "asset path outside media root")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "media file missing")
			return
		}
		s.logger.Error("failed to read media file", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}

	contentType := "image/jpeg"
	if strings.EqualFold(filepath.Ext(path), ".png") {
		contentType = "image/png"
	}

	if widthParam := r.URL.Query().Get("w"); widthParam != "" {
		width, err := strconv.Atoi(widthParam)
		if err != nil || width < minThumbnailWidth || width > maxThumbnailWidth {
			writeError(w, http.StatusBadRequest, "invalid width")
			return
		}
		scaled, err := scaleToWidth(data, width)
		if err != nil {
			s.logger.Warn("failed to scale media, serving original", zap.Error(err))
		} else {
			data = scaled
			contentType = "image/jpeg"
		}
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, http.StatusNotFound, "live view disabled")
		return
	}
	camera := chi.URLParam(r, "camera")
	s.logger.Debug("live viewer connected", zap.String("camera", camera))
	s.live.ServeMJPEG(w, r, camera)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, http.StatusNotFound, "live view disabled")
		return
	}
	s.live.ServeSnapshot(w, chi.URLParam(r, "camera"))
}

type settingRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.db.UpsertSetting(req.Key, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("setting updated", zap.String("key", req.Key))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.Counts()
	if err != nil {
		s.logger.Error("failed to count rows", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counts":     counts,
		"ws_clients": s.hub.ClientCount(),
	})
}

// scaleToWidth downscales an image to the given width, preserving aspect
// ratio, and re-encodes it as JPEG. Images already narrower are returned
// unchanged.
func scaleToWidth(data []byte, width int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := src.Bounds()
	if width >= bounds.Dx() {
		return data, nil
	}
	height := bounds.Dy() * width / bounds.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}
