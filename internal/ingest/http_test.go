package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"healthwatch/internal/domain"
	"healthwatch/internal/engine"
)

type httpTestSink struct {
	singleCalls int
	batchCalls  int
	inputs      []domain.SampleInput
	err         error
}

func (s *httpTestSink) IngestSample(input domain.SampleInput) (domain.MetricSample, error) {
	s.singleCalls++
	if s.err != nil {
		return domain.MetricSample{}, s.err
	}
	s.inputs = append(s.inputs, input)
	return domain.MetricSample{ID: "smp-1", TargetID: input.TargetID, Timestamp: input.Timestamp}, nil
}

func (s *httpTestSink) IngestBatch(inputs []domain.SampleInput) engine.BatchResult {
	s.batchCalls++
	s.inputs = append(s.inputs, inputs...)
	return engine.BatchResult{Accepted: len(inputs)}
}

func testSampleJSON(targetID string) string {
	return fmt.Sprintf(`{"targetId":%q,"timestamp":1767945600000,"errorRate":12.5,"latencyP95":420}`, targetID)
}

func TestSampleHandlerAcceptsSingle(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := &sampleHandler{sink: sink, maxBodyBytes: 1 << 20}
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testSampleJSON("checkout-api")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.singleCalls != 1 || sink.batchCalls != 0 {
		t.Fatalf("unexpected sink calls single=%d batch=%d", sink.singleCalls, sink.batchCalls)
	}
	var stored domain.MetricSample
	if err := json.Unmarshal(response.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stored.ID != "smp-1" {
		t.Fatalf("expected stored sample id, got %q", stored.ID)
	}
}

func TestSampleHandlerRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := &sampleHandler{sink: sink, maxBodyBytes: 1 << 20}
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"timestamp":0}`))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
	if sink.singleCalls != 0 {
		t.Fatalf("invalid payload must not reach the sink, got %d calls", sink.singleCalls)
	}
}

func TestSampleHandlerMapsUnknownTarget(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{err: fmt.Errorf("%w: %q", engine.ErrUnknownTarget, "ghost")}
	handler := &sampleHandler{sink: sink, maxBodyBytes: 1 << 20}
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testSampleJSON("ghost")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, response.Code)
	}
}

func TestSampleHandlerRejectsNonPost(t *testing.T) {
	t.Parallel()

	handler := &sampleHandler{sink: &httpTestSink{}, maxBodyBytes: 1 << 20}
	request := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}
}

func TestBatchHandlerReportsResult(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := &batchHandler{sink: sink, maxBodyBytes: 1 << 20}
	payload := fmt.Sprintf("[%s,%s]", testSampleJSON("checkout-api"), testSampleJSON("billing-api"))
	request := httptest.NewRequest(http.MethodPost, "/ingest/batch", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.batchCalls != 1 || len(sink.inputs) != 2 {
		t.Fatalf("unexpected sink state batch=%d inputs=%d", sink.batchCalls, len(sink.inputs))
	}
	var result engine.BatchResult
	if err := json.Unmarshal(response.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Accepted != 2 {
		t.Fatalf("expected 2 accepted, got %d", result.Accepted)
	}
}

func TestBatchHandlerRejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := &batchHandler{sink: sink, maxBodyBytes: 1 << 20}
	request := httptest.NewRequest(http.MethodPost, "/ingest/batch", strings.NewReader("[]"))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
	if sink.batchCalls != 0 {
		t.Fatalf("empty batch must not reach the sink, got %d calls", sink.batchCalls)
	}
}
