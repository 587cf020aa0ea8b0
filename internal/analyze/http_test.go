package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/fin-analyzer/internal/analysis"
	"github.com/yourusername/fin-analyzer/internal/jobs"
	"github.com/yourusername/fin-analyzer/internal/storage"
)

type fakeDocs struct {
	putErr  error
	stored  []string
	deleted []string
}

func (f *fakeDocs) Put(originalName string, content []byte) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	path := "/data/stored-" + originalName
	f.stored = append(f.stored, path)
	return path, nil
}

func (f *fakeDocs) Delete(path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}

type fakeEngine struct {
	report string
	err    error
	query  string
	calls  int
}

func (f *fakeEngine) Run(ctx context.Context, query, documentPath string, reporter analysis.ProgressReporter) (string, error) {
	f.calls++
	f.query = query
	if f.err != nil {
		return "", f.err
	}
	return f.report, nil
}

type fakeScheduler struct {
	err     error
	payload *jobs.TaskPayload
}

func (f *fakeScheduler) Enqueue(ctx context.Context, payload *jobs.TaskPayload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.payload = payload
	return payload.JobID, nil
}

func multipartRequest(t *testing.T, path, filename, query string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if query != "" {
		if err := writer.WriteField("query", query); err != nil {
			t.Fatalf("failed to write query field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return payload
}

func newSyncRouter(docs DocumentStore, engine Analyzer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/analyze-document", SyncHandler(docs, engine, HandlerOptions{MaxFileSize: 1 << 20}))
	return router
}

func newAsyncRouter(docs DocumentStore, scheduler Scheduler, aiConfigured bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/analyze-document-async", AsyncHandler(docs, scheduler, aiConfigured, HandlerOptions{MaxFileSize: 1 << 20}))
	return router
}

func TestSyncHandlerSuccess(t *testing.T) {
	docs := &fakeDocs{}
	engine := &fakeEngine{report: "# Financial Document Analysis Report\ndetails"}
	router := newSyncRouter(docs, engine)

	req := multipartRequest(t, "/analyze-document", "q3.pdf", "Summarize cash flow", []byte("%PDF-1.4 data"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["status"] != "success" {
		t.Errorf("unexpected status: %v", payload["status"])
	}
	if payload["analysis"] != engine.report {
		t.Errorf("unexpected analysis: %v", payload["analysis"])
	}
	if payload["file_processed"] != "q3.pdf" {
		t.Errorf("unexpected file_processed: %v", payload["file_processed"])
	}
	if payload["processing_mode"] != "synchronous" {
		t.Errorf("unexpected processing_mode: %v", payload["processing_mode"])
	}
	if engine.query != "Summarize cash flow" {
		t.Errorf("engine received unexpected query: %q", engine.query)
	}
	if len(docs.deleted) != 1 {
		t.Errorf("expected document deleted after sync analysis, got %v", docs.deleted)
	}
}

func TestSyncHandlerDefaultsQuery(t *testing.T) {
	docs := &fakeDocs{}
	engine := &fakeEngine{report: "report"}
	router := newSyncRouter(docs, engine)

	req := multipartRequest(t, "/analyze-document", "q3.pdf", "", []byte("%PDF-1.4 data"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if engine.query != DefaultQuery {
		t.Errorf("expected default query, got %q", engine.query)
	}
}

func TestSyncHandlerMissingFile(t *testing.T) {
	docs := &fakeDocs{}
	engine := &fakeEngine{report: "report"}
	router := newSyncRouter(docs, engine)

	req := multipartRequest(t, "/analyze-document", "", "query", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if engine.calls != 0 {
		t.Errorf("engine should not run without a file, calls=%d", engine.calls)
	}
}

func TestSyncHandlerRejectsInvalidDocument(t *testing.T) {
	docs := &fakeDocs{putErr: &storage.ValidationError{Message: "PDFファイルのみアップロードできます。"}}
	engine := &fakeEngine{report: "report"}
	router := newSyncRouter(docs, engine)

	req := multipartRequest(t, "/analyze-document", "notes.txt", "query", []byte("plain text"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["code"] != "INVALID_INPUT" {
		t.Errorf("unexpected error code: %v", payload["code"])
	}
	if engine.calls != 0 {
		t.Errorf("engine should not run for invalid upload, calls=%d", engine.calls)
	}
}

func TestSyncHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		engineErr  error
		wantStatus int
	}{
		{
			name:       "validation",
			engineErr:  &analysis.Error{Kind: analysis.KindValidation, Message: "No readable content found in the PDF file. The file may be image-based or corrupted."},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rate limited",
			engineErr:  &analysis.Error{Kind: analysis.KindRuntime, Message: "AI service rate limit exceeded. Please try again later."},
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "dependency",
			engineErr:  &analysis.Error{Kind: analysis.KindDependency, Message: "AI service authentication failed"},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "unexpected",
			engineErr:  &analysis.Error{Kind: analysis.KindUnexpected, Message: "analysis pipeline crashed"},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "untyped",
			engineErr:  errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			docs := &fakeDocs{}
			engine := &fakeEngine{err: tc.engineErr}
			router := newSyncRouter(docs, engine)

			req := multipartRequest(t, "/analyze-document", "q3.pdf", "query", []byte("%PDF-1.4 data"))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d body=%s", tc.wantStatus, rec.Code, rec.Body.String())
			}
			if len(docs.deleted) != 1 {
				t.Errorf("expected document cleanup even on failure, got %v", docs.deleted)
			}
		})
	}
}

func TestSyncHandlerUnavailableWithoutEngine(t *testing.T) {
	docs := &fakeDocs{}
	router := newSyncRouter(docs, nil)

	req := multipartRequest(t, "/analyze-document", "q3.pdf", "query", []byte("%PDF-1.4 data"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAsyncHandlerQueuesJob(t *testing.T) {
	docs := &fakeDocs{}
	scheduler := &fakeScheduler{}
	router := newAsyncRouter(docs, scheduler, true)

	req := multipartRequest(t, "/analyze-document-async", "annual.pdf", "Assess solvency", []byte("%PDF-1.4 data"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["status"] != "queued" {
		t.Errorf("unexpected status: %v", payload["status"])
	}
	taskID, _ := payload["task_id"].(string)
	if taskID == "" {
		t.Fatal("expected task_id in response")
	}
	if payload["status_endpoint"] != "/task-status/"+taskID {
		t.Errorf("unexpected status_endpoint: %v", payload["status_endpoint"])
	}
	if payload["processing_mode"] != "asynchronous" {
		t.Errorf("unexpected processing_mode: %v", payload["processing_mode"])
	}
	if scheduler.payload == nil {
		t.Fatal("expected scheduler to receive payload")
	}
	if scheduler.payload.Query != "Assess solvency" {
		t.Errorf("unexpected query in payload: %q", scheduler.payload.Query)
	}
	if scheduler.payload.Filename != "annual.pdf" {
		t.Errorf("unexpected filename in payload: %q", scheduler.payload.Filename)
	}
	if !strings.HasPrefix(scheduler.payload.DocumentPath, "/data/stored-") {
		t.Errorf("unexpected document path: %q", scheduler.payload.DocumentPath)
	}
	if len(docs.deleted) != 0 {
		t.Errorf("async upload must keep the document until the worker finishes, got %v", docs.deleted)
	}
}

func TestAsyncHandlerEnqueueFailureCleansUp(t *testing.T) {
	docs := &fakeDocs{}
	scheduler := &fakeScheduler{err: errors.New("redis connection refused")}
	router := newAsyncRouter(docs, scheduler, true)

	req := multipartRequest(t, "/analyze-document-async", "annual.pdf", "q", []byte("%PDF-1.4 data"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if len(docs.deleted) != 1 {
		t.Errorf("expected document deleted after enqueue failure, got %v", docs.deleted)
	}
}

func TestAsyncHandlerUnavailable(t *testing.T) {
	docs := &fakeDocs{}

	router := newAsyncRouter(docs, nil, true)
	req := multipartRequest(t, "/analyze-document-async", "a.pdf", "q", []byte("%PDF-1.4"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without scheduler, got %d", rec.Code)
	}

	router = newAsyncRouter(docs, &fakeScheduler{}, false)
	req = multipartRequest(t, "/analyze-document-async", "a.pdf", "q", []byte("%PDF-1.4"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when AI is not configured, got %d", rec.Code)
	}
}
