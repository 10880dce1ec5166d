package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/coze"
	"server/internal/infra"
	"server/internal/promptcache"
	"server/internal/retry"
	"server/internal/workflow"
)

type fakeUpstream struct {
	mu          sync.Mutex
	uploadCalls int
	runFn       func() (*http.Response, error)
	statusFn    func() (*http.Response, error)
	pingFn      func() (*http.Response, error)
}

func (f *fakeUpstream) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		_, _ = io.Copy(io.Discard, req.Body)
		req.Body.Close()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case req.URL.Path == "/v1/files/upload":
		f.uploadCalls++
		return stubJSON(http.StatusOK, map[string]any{"data": map[string]any{"id": "file-7"}})
	case req.URL.Path == "/v1/workflow/run":
		if f.runFn != nil {
			return f.runFn()
		}
		return stubJSON(http.StatusOK, map[string]any{
			"data":      `{"output":"a lighthouse at dusk"}`,
			"debug_url": "https://www.coze.cn/work_flow?execute_id=exec-42",
		})
	case strings.HasPrefix(req.URL.Path, "/api/workflow/"):
		if f.statusFn != nil {
			return f.statusFn()
		}
		return stubJSON(http.StatusOK, map[string]any{"data": map[string]any{"status": "completed", "result": map[string]any{"prompt": "done"}}})
	case req.URL.Path == "/v1/files":
		if f.pingFn != nil {
			return f.pingFn()
		}
		return stubJSON(http.StatusOK, map[string]any{"data": []any{}})
	case strings.HasPrefix(req.URL.Path, "/v1/files/"):
		return stubJSON(http.StatusOK, map[string]any{"data": map[string]any{"url": "https://cdn.example.com/file-7.png"}})
	default:
		return stubJSON(http.StatusNotFound, map[string]any{"msg": "not found"})
	}
}

func stubJSON(status int, payload any) (*http.Response, error) {
	body, _ := json.Marshal(payload)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func newTestApp(t *testing.T, upstream *fakeUpstream) *App {
	t.Helper()
	fast := retry.Options{Attempts: 2, BaseDelay: time.Millisecond, Timeout: time.Second}
	client, err := coze.NewClient(coze.Options{
		Token:        "tok",
		WorkflowID:   "wf-1",
		SpaceID:      "space-1",
		HTTPClient:   &http.Client{Transport: upstream},
		UploadRetry:  fast,
		ResolveRetry: fast,
		RunRetry:     fast,
		RunRetryAlt:  fast,
		StatusRetry:  retry.Options{Attempts: 1, Timeout: time.Second},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	cfg := &infra.Config{
		CozeBaseURL:    coze.DefaultBaseURL,
		CozeToken:      "tok",
		CozeWorkflowID: "wf-1",
		CozeSpaceID:    "space-1",
		MaxUploadBytes: 10 << 20,
	}
	orch := workflow.New(workflow.Options{
		Client:         client,
		Cache:          promptcache.New(promptcache.DefaultTTL),
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	return NewApp(cfg, zerolog.New(io.Discard), orch, client)
}

func multipartUpload(t *testing.T, fields map[string]string, fileName string, fileData []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(fileData); err != nil {
		t.Fatalf("write file: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/imageprompt", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
	}
	return out
}

func TestImagePromptSuccess(t *testing.T) {
	upstream := &fakeUpstream{}
	app := newTestApp(t, upstream)

	req := multipartUpload(t, map[string]string{"promptType": "midjourney", "language": "zh"}, "photo.png", []byte{0x89, 'P', 'N', 'G'})
	rec := httptest.NewRecorder()
	app.ImagePrompt(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("success = %v", body["success"])
	}
	if body["prompt"] != "a lighthouse at dusk" {
		t.Fatalf("prompt = %v", body["prompt"])
	}
	meta, ok := body["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("metadata missing: %v", body)
	}
	if meta["fileId"] != "file-7" || meta["executeId"] != "exec-42" {
		t.Fatalf("metadata = %v", meta)
	}
	if meta["promptType"] != "midjourney" || meta["language"] != "zh" {
		t.Fatalf("metadata = %v", meta)
	}
	if meta["cached"] != false {
		t.Fatalf("first call must not be cached: %v", meta)
	}
	if _, ok := body["debug"].(map[string]any); !ok {
		t.Fatalf("debug section missing: %v", body)
	}
}

func TestImagePromptSecondCallIsCached(t *testing.T) {
	upstream := &fakeUpstream{}
	app := newTestApp(t, upstream)

	for i := 0; i < 2; i++ {
		req := multipartUpload(t, nil, "photo.png", []byte{0x89, 'P', 'N', 'G'})
		rec := httptest.NewRecorder()
		app.ImagePrompt(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i, rec.Code)
		}
		meta := decodeBody(t, rec)["metadata"].(map[string]any)
		if want := i == 1; meta["cached"] != want {
			t.Fatalf("call %d cached = %v, want %v", i, meta["cached"], want)
		}
	}
	if upstream.uploadCalls != 1 {
		t.Fatalf("upload calls = %d, want 1", upstream.uploadCalls)
	}
}

func TestImagePromptRejectsNonMultipart(t *testing.T) {
	app := newTestApp(t, &fakeUpstream{})

	req := httptest.NewRequest(http.MethodPost, "/imageprompt", strings.NewReader(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.ImagePrompt(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["stage"] != "validate" {
		t.Fatalf("body = %v", body)
	}
}

func TestImagePromptRejectsMissingFileField(t *testing.T) {
	app := newTestApp(t, &fakeUpstream{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("promptType", "flux")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/imageprompt", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	app.ImagePrompt(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeBody(t, rec); body["stage"] != "validate" {
		t.Fatalf("stage = %v, want validate", body["stage"])
	}
}

func TestImagePromptRejectsOversizedDeclaredLength(t *testing.T) {
	upstream := &fakeUpstream{}
	app := newTestApp(t, upstream)

	req := multipartUpload(t, nil, "huge.png", []byte{1})
	req.ContentLength = 64 << 20
	rec := httptest.NewRecorder()
	app.ImagePrompt(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if upstream.uploadCalls != 0 {
		t.Fatalf("oversized request must not reach upstream")
	}
}

func TestImagePromptMapsPipelineError(t *testing.T) {
	upstream := &fakeUpstream{runFn: func() (*http.Response, error) {
		return stubJSON(http.StatusBadRequest, map[string]any{"code": 4000, "msg": "invalid parameters"})
	}}
	app := newTestApp(t, upstream)

	req := multipartUpload(t, nil, "photo.png", []byte{0x89, 'P', 'N', 'G'})
	rec := httptest.NewRecorder()
	app.ImagePrompt(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["stage"] != "run" {
		t.Fatalf("stage = %v, want run", body["stage"])
	}
	details, ok := body["details"].(map[string]any)
	if !ok {
		t.Fatalf("details missing: %v", body)
	}
	if details["upstreamStatus"] != float64(http.StatusBadRequest) {
		t.Fatalf("details = %v", details)
	}
}

func TestImagePromptPanicYieldsStructured500(t *testing.T) {
	app := newTestApp(t, &fakeUpstream{})
	// A nil client panics mid-pipeline; the caller still gets JSON.
	app.Workflow = workflow.New(workflow.Options{})

	req := multipartUpload(t, nil, "photo.png", []byte{0x89, 'P', 'N', 'G'})
	rec := httptest.NewRecorder()
	app.ImagePrompt(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["stage"] != "unknown" {
		t.Fatalf("body = %v", body)
	}
	msg, _ := body["error"].(string)
	if !strings.Contains(msg, "internal failure") {
		t.Fatalf("error = %q, want internal failure prefix", msg)
	}
	if _, ok := body["timestamp"].(string); !ok {
		t.Fatalf("timestamp missing: %v", body)
	}
}

func TestImagePromptHandlerRecoversFromPanic(t *testing.T) {
	app := newTestApp(t, &fakeUpstream{})
	// No orchestrator at all: the panic fires inside the handler itself and
	// must be caught by its own boundary.
	app.Workflow = nil

	req := multipartUpload(t, nil, "photo.png", []byte{0x89, 'P', 'N', 'G'})
	rec := httptest.NewRecorder()
	app.ImagePrompt(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["stage"] != "unknown" || body["error"] != "internal error" {
		t.Fatalf("body = %v", body)
	}
}

func TestImagePromptStatusRequiresExecuteID(t *testing.T) {
	app := newTestApp(t, &fakeUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/imageprompt/status", nil)
	rec := httptest.NewRecorder()
	app.ImagePromptStatus(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestImagePromptStatusCompleted(t *testing.T) {
	app := newTestApp(t, &fakeUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/imageprompt/status?executeId=exec-1", nil)
	rec := httptest.NewRecorder()
	app.ImagePromptStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["status"] != "completed" || body["prompt"] != "done" {
		t.Fatalf("body = %v", body)
	}
}

func TestImagePromptStatusCompletedWithoutPrompt(t *testing.T) {
	app := newTestApp(t, &fakeUpstream{statusFn: func() (*http.Response, error) {
		return stubJSON(http.StatusOK, map[string]any{"data": map[string]any{"status": "completed", "result": map[string]any{}}})
	}})

	req := httptest.NewRequest(http.MethodGet, "/imageprompt/status?executeId=exec-1", nil)
	rec := httptest.NewRecorder()
	app.ImagePromptStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["status"] != "completed" {
		t.Fatalf("body = %v", body)
	}
	if body["error"] != "no prompt in result" {
		t.Fatalf("error = %v", body["error"])
	}
	if _, ok := body["raw"]; !ok {
		t.Fatalf("raw upstream payload missing: %v", body)
	}
}

func TestImagePromptStatusProcessing(t *testing.T) {
	app := newTestApp(t, &fakeUpstream{statusFn: func() (*http.Response, error) {
		return stubJSON(http.StatusOK, map[string]any{"data": map[string]any{"status": "running"}})
	}})

	req := httptest.NewRequest(http.MethodGet, "/imageprompt/status?executeId=exec-1", nil)
	rec := httptest.NewRecorder()
	app.ImagePromptStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["status"] != "processing" {
		t.Fatalf("body = %v", body)
	}
	meta := body["metadata"].(map[string]any)
	if meta["executeId"] != "exec-1" {
		t.Fatalf("metadata = %v", meta)
	}
}

func TestImagePromptStatusFailed(t *testing.T) {
	app := newTestApp(t, &fakeUpstream{statusFn: func() (*http.Response, error) {
		return stubJSON(http.StatusOK, map[string]any{"data": map[string]any{"status": "failed", "error": "node exploded"}})
	}})

	req := httptest.NewRequest(http.MethodGet, "/imageprompt/status?executeId=exec-1", nil)
	rec := httptest.NewRecorder()
	app.ImagePromptStatus(rec, req)

	body := decodeBody(t, rec)
	if body["success"] != false || body["status"] != "failed" {
		t.Fatalf("body = %v", body)
	}
	if body["error"] != "node exploded" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestHealthReportsEnvAndUpstream(t *testing.T) {
	app := newTestApp(t, &fakeUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	rec := httptest.NewRecorder()
	app.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	env := body["env"].(map[string]any)
	for _, key := range []string{"hasToken", "hasWorkflowId", "hasSpaceId", "hasBaseUrl"} {
		if env[key] != true {
			t.Fatalf("env[%s] = %v", key, env[key])
		}
	}
	upstream := body["upstream"].(map[string]any)
	if upstream["reachable"] != true {
		t.Fatalf("upstream = %v", upstream)
	}
}
