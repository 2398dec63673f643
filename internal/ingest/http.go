package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"healthwatch/internal/config"
	"healthwatch/internal/domain"
	"healthwatch/internal/engine"
)

// SampleSink receives decoded samples from ingest interfaces.
// Params: validated sample inputs.
// Returns: stored sample or processing error.
type SampleSink interface {
	IngestSample(input domain.SampleInput) (domain.MetricSample, error)
	IngestBatch(inputs []domain.SampleInput) engine.BatchResult
}

// Server is the HTTP push-ingest listener.
// Params: listen address, routed paths, and sample sink.
// Returns: ingest HTTP lifecycle handle.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the ingest HTTP server.
// Params: HTTP ingest config, sink, readiness probe, and logger.
// Returns: server ready to start.
func NewServer(cfg config.HTTPIngestConfig, sink SampleSink, ready func() bool, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.IngestPath, &sampleHandler{sink: sink, maxBodyBytes: cfg.MaxBodyBytes})
	mux.Handle(cfg.BatchPath, &batchHandler{sink: sink, maxBodyBytes: cfg.MaxBodyBytes})
	mux.HandleFunc(cfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc(cfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			writeJSON(writer, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(writer, http.StatusOK, map[string]string{"status": "ready"})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start runs the listener in its own goroutine.
// Params: none.
// Returns: listen errors are logged, not returned.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("ingest http listener stopped", "addr", s.httpServer.Addr, "error", err.Error())
			}
		}
	}()
	if s.logger != nil {
		s.logger.Info("ingest http listening", "addr", s.httpServer.Addr)
	}
}

// Shutdown drains in-flight requests and stops the listener.
// Params: deadline context.
// Returns: shutdown error.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// sampleHandler accepts one JSON sample per request.
// Params: sink and max body size.
// Returns: 202 with the stored sample or a JSON error.
type sampleHandler struct {
	sink         SampleSink
	maxBodyBytes int64
}

// ServeHTTP handles one incoming sample request.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/ingest result.
func (h *sampleHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	body, ok := readBody(writer, request, h.maxBodyBytes)
	if !ok {
		return
	}
	input, err := domain.DecodeSampleInput(body)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	stored, err := h.sink.IngestSample(input)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, engine.ErrUnknownTarget) {
			status = http.StatusNotFound
		}
		writeJSON(writer, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(writer, http.StatusAccepted, stored)
}

// batchHandler accepts one JSON array of samples per request.
// Params: sink and max body size.
// Returns: 202 with accepted count and per-item errors.
type batchHandler struct {
	sink         SampleSink
	maxBodyBytes int64
}

// ServeHTTP handles one incoming batch request.
// Params: HTTP request/response writer pair.
// Returns: writes batch result; bad items never fail the whole batch.
func (h *batchHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	body, ok := readBody(writer, request, h.maxBodyBytes)
	if !ok {
		return
	}
	inputs, err := domain.DecodeSampleBatch(body)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(writer, http.StatusAccepted, h.sink.IngestBatch(inputs))
}

// readBody enforces method and body limits for ingest endpoints.
// Params: response writer, request, and max body size.
// Returns: body bytes and success flag; failures are already written.
func readBody(writer http.ResponseWriter, request *http.Request, maxBodyBytes int64) ([]byte, bool) {
	if request.Method != http.MethodPost {
		writeJSON(writer, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return nil, false
	}
	request.Body = http.MaxBytesReader(writer, request.Body, maxBodyBytes)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return nil, false
	}
	return body, true
}

// writeJSON writes one JSON response with status code.
// Params: response writer, status code, and payload.
// Returns: encode errors are ignored after headers are sent.
func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}
