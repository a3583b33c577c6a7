// Package server exposes the governed chat completion API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/aigate/internal/aierr"
	"github.com/example/aigate/internal/breaker"
	"github.com/example/aigate/internal/config"
	"github.com/example/aigate/internal/governor"
	"github.com/example/aigate/internal/logging"
	"github.com/example/aigate/internal/metrics"
	"github.com/example/aigate/internal/provider"
	"github.com/example/aigate/internal/respcache"
)

const defaultMaxBodySize = 10 * 1024 * 1024 // 10MB

// Server wires the provider client, governor, retry invoker and response
// cache behind an OpenAI-compatible HTTP surface.
type Server struct {
	cfg       *config.Config
	client    *provider.Client
	brk       *breaker.Breaker
	gov       *governor.Governor
	invoker   *governor.Invoker
	cache     *respcache.Cache[*provider.ChatResponse]
	collector *metrics.Collector

	// reval deduplicates background refreshes of stale cache entries.
	reval singleflight.Group

	httpSrv *http.Server
}

// New builds a server and all of its governance components from config.
func New(cfg *config.Config) (*Server, error) {
	client, err := provider.NewClient(cfg.Provider)
	if err != nil {
		return nil, err
	}

	brk := breaker.New(cfg.CircuitBreaker)
	gov := governor.New(cfg.Governor, brk)

	s := &Server{
		cfg:       cfg,
		client:    client,
		brk:       brk,
		gov:       gov,
		invoker:   governor.NewInvoker(cfg.Retry, gov),
		collector: metrics.NewCollector(),
	}
	s.invoker.OnRetry = func(class aierr.Class) {
		s.collector.RecordRetry(class.String())
	}
	if cfg.Cache.Enabled {
		s.cache = respcache.New[*provider.ChatResponse](cfg.Cache)
	}

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodPost, "/v1/chat/completions", s.handleChat)
	router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)
	router.HandlerFunc(http.MethodGet, "/stats", s.handleStats)

	metricsPath := s.cfg.Server.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	router.HandlerFunc(http.MethodGet, metricsPath, s.handleMetrics)

	return s.withRequestID(router)
}

// ListenAndServe runs the HTTP server until Shutdown is called.
func (s *Server) ListenAndServe() error {
	logging.Info("server listening",
		zap.String("addr", s.httpSrv.Addr),
		zap.String("provider", s.client.Provider().Name()),
	)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// withRequestID assigns every request an ID, echoed in the response and
// attached to log entries. Client-supplied IDs are preserved.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(withRequestIDContext(r.Context(), reqID)))
	})
}

type requestIDKey struct{}

func withRequestIDContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logging.With(zap.String("request_id", requestIDFrom(r.Context())))

	s.collector.RecordActiveRequest(1)
	defer s.collector.RecordActiveRequest(-1)

	req, err := s.decodeChatRequest(r)
	if err != nil {
		s.writeError(w, log, aierr.FromStatus(s.client.Provider().Name(), http.StatusBadRequest, err.Error()))
		return
	}

	if req.IsStreaming() {
		s.writeError(w, log, aierr.FromStatus(s.client.Provider().Name(), http.StatusBadRequest,
			"streaming responses are not supported"))
		return
	}

	s.applyPolicy(req)
	s.forwardHeaders(req, r)

	if s.cache != nil {
		key := req.CacheKey()
		if resp, stale, ok := s.cache.Get(key); ok {
			if stale {
				s.collector.RecordCacheStaleHit()
				w.Header().Set("X-Cache", "stale")
				s.revalidate(key, cloneForRevalidate(req))
			} else {
				s.collector.RecordCacheHit()
				w.Header().Set("X-Cache", "hit")
			}
			log.Debug("cache hit", zap.Bool("stale", stale))
			s.writeJSON(w, http.StatusOK, resp)
			return
		}
		s.collector.RecordCacheMiss()
		w.Header().Set("X-Cache", "miss")
	}

	resp, err := s.complete(r.Context(), req)
	s.collector.SetCircuitBreakerState(int(s.brk.State()))
	if err != nil {
		s.writeError(w, log, err)
		return
	}

	if s.cache != nil {
		s.cache.Set(req.CacheKey(), resp)
	}

	s.collector.RecordRequest(s.client.Provider().Name(), req.Model, http.StatusOK, time.Since(start))
	log.Info("completion served",
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)
	s.writeJSON(w, http.StatusOK, resp)
}

// complete runs one completion through the retry invoker, which paces each
// attempt through the governor and circuit breaker.
func (s *Server) complete(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	start := time.Now()
	resp, err := governor.Do(ctx, s.invoker, func(ctx context.Context) (*provider.ChatResponse, error) {
		return s.client.Complete(ctx, req)
	})
	if err != nil {
		if aierr.ClassOf(err) == aierr.ClassCircuitOpen {
			s.collector.RecordCircuitReject()
		}
		var apiErr *aierr.APIError
		if errors.As(err, &apiErr) {
			s.collector.RecordRequest(apiErr.Provider, req.Model, apiErr.Status, time.Since(start))
		}
	}
	return resp, err
}

// revalidate refreshes a stale cache entry in the background. Concurrent
// stale hits on the same key share a single upstream call.
func (s *Server) revalidate(key string, req *provider.ChatRequest) {
	go func() {
		s.reval.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Provider.Timeout+time.Minute)
			defer cancel()

			resp, err := s.complete(ctx, req)
			if err != nil {
				logging.Warn("stale revalidation failed", zap.Error(err))
				return nil, err
			}
			s.cache.Set(key, resp)
			return resp, nil
		})
	}()
}

// cloneForRevalidate copies a request for use after the handler returns.
// Forwarded headers are dropped; they belong to the original client call.
func cloneForRevalidate(req *provider.ChatRequest) *provider.ChatRequest {
	clone := *req
	clone.Header = nil
	return &clone
}

func (s *Server) decodeChatRequest(r *http.Request) (*provider.ChatRequest, error) {
	maxBody := s.cfg.Provider.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBody)
	}

	var req provider.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("messages must not be empty")
	}
	return &req, nil
}

// applyPolicy enforces configured model mapping, token caps and sampling
// overrides on the incoming request.
func (s *Server) applyPolicy(req *provider.ChatRequest) {
	if mapped, ok := s.cfg.Provider.ModelMapping[req.Model]; ok {
		req.Model = mapped
	}
	if req.Model == "" {
		req.Model = s.cfg.Provider.Model
	}

	if limit := s.cfg.Provider.MaxTokens; limit > 0 {
		if req.MaxTokens == 0 || req.MaxTokens > limit {
			req.MaxTokens = limit
		}
	}

	if s.cfg.Provider.Temperature != nil && req.Temperature == nil {
		req.Temperature = s.cfg.Provider.Temperature
	}
}

func (s *Server) forwardHeaders(req *provider.ChatRequest, r *http.Request) {
	if len(s.cfg.Provider.PassHeaders) == 0 {
		return
	}
	req.Header = make(http.Header, len(s.cfg.Provider.PassHeaders))
	for _, name := range s.cfg.Provider.PassHeaders {
		if v := r.Header.Values(name); len(v) > 0 {
			req.Header[http.CanonicalHeaderKey(name)] = v
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": s.client.Provider().Name(),
	})
}

// statsResponse aggregates the runtime state of every governance component.
type statsResponse struct {
	Governor governor.Snapshot        `json:"governor"`
	Retry    governor.InvokerSnapshot `json:"retry"`
	Breaker  breaker.Snapshot         `json:"breaker"`
	Cache    *respcache.Metrics       `json:"cache,omitempty"`
	Client   provider.ClientStats     `json:"client"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := statsResponse{
		Governor: s.gov.Snapshot(),
		Retry:    s.invoker.Snapshot(),
		Breaker:  s.brk.Snapshot(),
		Client:   s.client.Stats(),
	}
	if s.cache != nil {
		m := s.cache.Metrics()
		stats.Cache = &m
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleMetrics refreshes the breaker-state gauge from the live breaker
// before exposition, so the gauge tracks reality even when no completion
// has run since the state changed.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.collector.SetCircuitBreakerState(int(s.brk.State()))
	s.collector.WritePrometheus(w)
}

// errorBody mirrors the OpenAI error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// writeError maps classified errors onto HTTP statuses and the OpenAI
// error envelope.
func (s *Server) writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	class := aierr.ClassOf(err)

	status := http.StatusBadGateway
	message := err.Error()

	var apiErr *aierr.APIError
	switch {
	case class == aierr.ClassCircuitOpen:
		status = http.StatusServiceUnavailable
	case class == aierr.ClassRateLimited:
		status = http.StatusTooManyRequests
	case errors.As(err, &apiErr):
		status = apiErr.Status
		message = apiErr.Message
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// 499 Client Closed Request, nginx convention.
		status = 499
	}

	log.Warn("request failed",
		zap.Int("status", status),
		zap.String("class", class.String()),
		zap.Error(err),
	)

	s.writeJSON(w, status, errorBody{Error: errorDetail{
		Message: message,
		Type:    class.String(),
		Code:    status,
	}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode response", zap.Error(err))
	}
}
