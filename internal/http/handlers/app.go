package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"server/internal/coze"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/workflow"
)

// App bundles the handlers' collaborators.
type App struct {
	Config   *infra.Config
	Logger   infra.Logger
	Workflow *workflow.Orchestrator
	Upstream *coze.Client
}

// NewApp wires the handler container.
func NewApp(cfg *infra.Config, logger infra.Logger, orch *workflow.Orchestrator, upstream *coze.Client) *App {
	return &App{Config: cfg, Logger: logger, Workflow: orch, Upstream: upstream}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Success   bool         `json:"success"`
	Error     string       `json:"error"`
	Stage     domain.Stage `json:"stage,omitempty"`
	Details   any          `json:"details,omitempty"`
	Timestamp string       `json:"timestamp"`
}

func (a *App) error(w http.ResponseWriter, code int, stage domain.Stage, message string, details any) {
	a.json(w, code, errorResponse{
		Success:   false,
		Error:     message,
		Stage:     stage,
		Details:   details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
