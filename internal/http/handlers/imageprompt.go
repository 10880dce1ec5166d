package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"server/internal/domain"
	"server/internal/middleware"
)

// multipart boundaries and field headers ride alongside the file, so the
// body reader gets a little slack beyond the file ceiling.
const multipartOverhead = 1 << 20

type promptMetadata struct {
	ExecuteID  string `json:"executeId,omitempty"`
	DebugURL   string `json:"debugUrl,omitempty"`
	PromptType string `json:"promptType"`
	Language   string `json:"language"`
	FileID     string `json:"fileId,omitempty"`
	Cached     bool   `json:"cached"`
	Timestamp  string `json:"timestamp"`
}

type promptDebug struct {
	UploadResponse json.RawMessage `json:"uploadResponse,omitempty"`
	RunResponse    json.RawMessage `json:"runResponse,omitempty"`
	SentParameters map[string]any  `json:"sentParameters,omitempty"`
}

type promptResponse struct {
	Success  bool           `json:"success"`
	Prompt   string         `json:"prompt"`
	Metadata promptMetadata `json:"metadata"`
	Debug    *promptDebug   `json:"debug,omitempty"`
}

// ImagePrompt handles POST /imageprompt: a multipart image submission that
// is proxied through the workflow pipeline. Whatever goes wrong inside, the
// response is structured JSON, never an escaped panic.
func (a *App) ImagePrompt(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			a.Logger.Error().Interface("panic", rec).Msg("imageprompt: recovered from panic")
			a.error(w, http.StatusInternalServerError, domain.StageUnknown, "internal error", nil)
		}
	}()

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		a.error(w, http.StatusBadRequest, domain.StageValidate, domain.ErrNotMultipart.Error(), nil)
		return
	}

	maxBytes := a.Workflow.MaxUploadBytes()
	// Declared-size check happens before any body read, so an oversized
	// request is rejected with zero upstream traffic.
	if r.ContentLength > maxBytes+multipartOverhead {
		a.error(w, http.StatusRequestEntityTooLarge, domain.StageValidate, domain.ErrPayloadTooLarge.Error(), nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)

	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			a.error(w, http.StatusRequestEntityTooLarge, domain.StageValidate, domain.ErrPayloadTooLarge.Error(), nil)
			return
		}
		a.error(w, http.StatusBadRequest, domain.StageValidate, "invalid multipart body", nil)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		a.error(w, http.StatusBadRequest, domain.StageValidate, domain.ErrMissingFile.Error(), nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		a.error(w, http.StatusBadRequest, domain.StageValidate, "unable to read file", nil)
		return
	}

	language := strings.TrimSpace(r.FormValue("language"))
	if language == "" {
		language = middleware.LocaleFromContext(r.Context())
	}

	req := domain.UploadRequest{
		FileName:    header.Filename,
		FileSize:    header.Size,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
		PromptType:  domain.ParsePromptType(r.FormValue("promptType")),
		UseQuery:    r.FormValue("useQuery"),
		InputKey:    strings.TrimSpace(r.FormValue("input_key")),
		Language:    language,
	}

	result, err := a.Workflow.Generate(r.Context(), req)
	if err != nil {
		var pe *domain.PipelineError
		if errors.As(err, &pe) {
			a.error(w, pe.HTTPStatus, pe.Stage, pe.Message, upstreamDetails(pe))
			return
		}
		a.error(w, http.StatusInternalServerError, domain.StageUnknown, err.Error(), nil)
		return
	}

	a.json(w, http.StatusOK, promptResponse{
		Success: true,
		Prompt:  result.Prompt,
		Metadata: promptMetadata{
			ExecuteID:  result.ExecuteID,
			DebugURL:   result.DebugURL,
			PromptType: string(req.PromptType),
			Language:   req.Language,
			FileID:     result.FileID,
			Cached:     result.Cached,
			Timestamp:  timestampOf(result.Timestamp),
		},
		Debug: &promptDebug{
			UploadResponse: result.UploadResponse,
			RunResponse:    result.RunResponse,
			SentParameters: result.SentParameters,
		},
	})
}

func timestampOf(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.Format(time.RFC3339)
}

func upstreamDetails(pe *domain.PipelineError) any {
	if pe.UpstreamStatus == 0 && pe.UpstreamBody == "" {
		return nil
	}
	details := map[string]any{}
	if pe.UpstreamStatus != 0 {
		details["upstreamStatus"] = pe.UpstreamStatus
	}
	if pe.UpstreamBody != "" {
		details["upstreamBody"] = pe.UpstreamBody
	}
	return details
}
