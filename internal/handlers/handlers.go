package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Brownie44l1/fruit-api/internal/cache"
	"github.com/Brownie44l1/fruit-api/internal/imageproc"
	"github.com/Brownie44l1/fruit-api/internal/model"
	"github.com/Brownie44l1/fruit-api/internal/monitoring"
	"github.com/Brownie44l1/fruit-api/internal/rate"
	"github.com/Brownie44l1/fruit-api/internal/store"
	"github.com/go-logr/logr"
)

const (
	// PingMessage is the body of /ping.
	PingMessage = "Classification app is up and running!"

	imageField            = "image"
	defaultMaxUploadBytes = 10 << 20
	defaultListLimit      = 20
	maxListLimit          = 100
)

// PredictionStore records served predictions.
type PredictionStore interface {
	AddPrediction(ctx context.Context, p store.Prediction) (*store.Prediction, error)
	ListPredictions(ctx context.Context, limit, offset int) ([]store.Prediction, error)
}

// Options are the optional collaborators of a Handler.
type Options struct {
	Cache   *cache.Cache[*model.Classifications]
	Limiter *rate.Limiter
	Store   PredictionStore
	Metrics monitoring.MetricsMonitoring

	MaxUploadBytes int64
	TopK           int
}

type Handler struct {
	mu        sync.RWMutex
	predictor model.Predictor

	cache     *cache.Cache[*model.Classifications]
	limiter   *rate.Limiter
	store     PredictionStore
	metrics   monitoring.MetricsMonitoring

	maxUploadBytes int64
	topK           int

	logger logr.Logger
}

func NewHandler(predictor model.Predictor, opts Options, logger logr.Logger) *Handler {
	h := &Handler{
		predictor:      predictor,
		cache:          opts.Cache,
		limiter:        opts.Limiter,
		store:          opts.Store,
		metrics:        opts.Metrics,
		maxUploadBytes: opts.MaxUploadBytes,
		topK:           opts.TopK,
		logger:         logger.WithName("handlers"),
	}
	if h.cache == nil {
		h.cache = cache.New[*model.Classifications](false, 0, 0)
	}
	if h.limiter == nil {
		h.limiter = rate.NewLimiter(rate.Config{}, logger)
	}
	if h.metrics == nil {
		h.metrics = noopMetrics{}
	}
	if h.maxUploadBytes <= 0 {
		h.maxUploadBytes = defaultMaxUploadBytes
	}
	if h.topK <= 0 {
		h.topK = model.DefaultTopK
	}
	return h
}

// SetPredictor replaces the predictor serving /analyze. /healthz and
// /analyze respond 503 while no predictor is set.
func (h *Handler) SetPredictor(p model.Predictor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.predictor = p
}

// Predictor returns the current predictor, or nil while the model is loading.
func (h *Handler) Predictor() model.Predictor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.predictor
}

// Routes returns the HTTP handler serving all routes with CORS enabled for
// allowedOrigin.
func (h *Handler) Routes(allowedOrigin string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", h.instrument("/ping", h.Ping))
	mux.HandleFunc("/analyze", h.instrument("/analyze", h.Analyze))
	mux.HandleFunc("/predictions", h.instrument("/predictions", h.ListPredictions))
	mux.HandleFunc("/healthz", h.instrument("/healthz", h.Health))
	return withCORS(allowedOrigin, mux)
}

// withCORS adds CORS headers for the frontend.
func withCORS(allowedOrigin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, PingMessage)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	p := h.Predictor()
	if p == nil {
		writeError(w, http.StatusServiceUnavailable, "model not loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"classes": p.Synset(),
	})
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p := h.Predictor()
	if p == nil {
		writeError(w, http.StatusServiceUnavailable, "model not loaded")
		return
	}

	res, err := h.limiter.Take(r.Context(), h.limiter.ClientKey(r))
	if err != nil {
		h.logger.Error(err, "Failed to take rate limit token")
		writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
		return
	}
	rate.SetRateLimitHTTPHeaders(w, res)
	if !res.Allowed {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile(imageField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image file provided, use 'image' as the form field name")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image")
		return
	}
	log := h.logger.WithValues("file", header.Filename, "size", len(data))
	key := cache.Key(data)

	if c, ok := h.cache.Get(key); ok {
		log.V(2).Info("Serving cached prediction")
		h.metrics.ObserveCacheHit()
		h.record(r.Context(), key, c, true, 0)
		writeJSON(w, http.StatusOK, c.TopK(h.topK))
		return
	}

	img, format, err := imageproc.Decode(bytes.NewReader(data))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image format, supported: JPEG, PNG, GIF")
		return
	}
	log.V(2).Info("Decoded image", "format", format, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	start := time.Now()
	c, err := p.Predict(r.Context(), img)
	if err != nil {
		log.Error(err, "Prediction failed")
		writeError(w, http.StatusInternalServerError, "prediction failed")
		return
	}
	latency := time.Since(start)
	best := c.Best()
	h.metrics.ObservePredictionLatency(best.ClassName, latency)
	log.V(1).Info("Classified image", "class", best.ClassName, "probability", best.Probability, "latency", latency)

	h.cache.Set(key, c)
	h.record(r.Context(), key, c, false, latency)
	writeJSON(w, http.StatusOK, c.TopK(h.topK))
}

func (h *Handler) record(ctx context.Context, key string, c *model.Classifications, cached bool, latency time.Duration) {
	if h.store == nil {
		return
	}
	best := c.Best()
	if _, err := h.store.AddPrediction(ctx, store.Prediction{
		ImageSHA256: key,
		ClassName:   best.ClassName,
		Probability: best.Probability,
		Cached:      cached,
		DurationMS:  latency.Milliseconds(),
	}); err != nil {
		h.logger.Error(err, "Failed to record prediction")
	}
}

func (h *Handler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.store == nil {
		writeError(w, http.StatusNotFound, "prediction history is disabled")
		return
	}

	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	limit = min(limit, maxListLimit)
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	predictions, err := h.store.ListPredictions(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error(err, "Failed to list predictions")
		writeError(w, http.StatusInternalServerError, "failed to list predictions")
		return
	}
	writeJSON(w, http.StatusOK, predictions)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// instrument counts responses of a route by status code.
func (h *Handler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next(sw, r)
		h.metrics.ObserveRequest(route, sw.code)
	}
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type noopMetrics struct{}

func (noopMetrics) ObservePredictionLatency(string, time.Duration) {}
func (noopMetrics) ObserveRequest(string, int)                     {}
func (noopMetrics) ObserveCacheHit()                               {}
