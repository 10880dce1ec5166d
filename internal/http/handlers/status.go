package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"server/internal/coze"
	"server/internal/domain"
)

type statusMetadata struct {
	ExecuteID string `json:"executeId"`
	DebugURL  string `json:"debugUrl,omitempty"`
}

type statusResponse struct {
	Success  bool            `json:"success"`
	Status   string          `json:"status"`
	Prompt   string          `json:"prompt,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata statusMetadata  `json:"metadata"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// ImagePromptStatus handles GET /imageprompt/status?executeId=..., polling
// the upstream run state for workflows that went asynchronous.
func (a *App) ImagePromptStatus(w http.ResponseWriter, r *http.Request) {
	executeID := strings.TrimSpace(r.URL.Query().Get("executeId"))
	if executeID == "" {
		a.error(w, http.StatusBadRequest, domain.StageValidate, "executeId is required", nil)
		return
	}

	st, err := a.Upstream.RunStatus(r.Context(), executeID)
	if err != nil {
		var statusErr *coze.StatusError
		switch {
		case errors.As(err, &statusErr):
			a.error(w, http.StatusBadGateway, domain.StageRun, "status check failed", map[string]any{
				"upstreamStatus": statusErr.StatusCode,
				"upstreamBody":   statusErr.Body,
			})
		case errors.Is(err, context.DeadlineExceeded):
			a.error(w, http.StatusGatewayTimeout, domain.StageRun, "status check timed out", nil)
		default:
			a.error(w, http.StatusBadGateway, domain.StageRun, err.Error(), nil)
		}
		return
	}

	meta := statusMetadata{ExecuteID: executeID, DebugURL: st.DebugURL}
	switch st.Status {
	case "completed":
		if st.Prompt == "" {
			a.json(w, http.StatusOK, statusResponse{
				Success:  false,
				Status:   "completed",
				Error:    "no prompt in result",
				Metadata: meta,
				Raw:      st.Raw,
			})
			return
		}
		a.json(w, http.StatusOK, statusResponse{Success: true, Status: "completed", Prompt: st.Prompt, Metadata: meta})
	case "failed":
		detail := st.Detail
		if detail == "" {
			detail = "workflow execution failed"
		}
		a.json(w, http.StatusOK, statusResponse{Success: false, Status: "failed", Error: detail, Metadata: meta})
	default:
		a.json(w, http.StatusOK, statusResponse{Success: true, Status: "processing", Metadata: meta})
	}
}
