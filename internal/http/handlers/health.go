package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Health reports configuration presence and a bounded upstream reachability
// probe. Any completed upstream exchange counts as reachable; the probe is
// about connectivity, not auth.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	env := map[string]bool{
		"hasToken":      strings.TrimSpace(a.Config.CozeToken) != "",
		"hasWorkflowId": strings.TrimSpace(a.Config.CozeWorkflowID) != "",
		"hasSpaceId":    strings.TrimSpace(a.Config.CozeSpaceID) != "",
		"hasBaseUrl":    strings.TrimSpace(a.Config.CozeBaseURL) != "",
	}

	upstream := map[string]any{"reachable": false}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if status, err := a.Upstream.Ping(ctx); err != nil {
		upstream["error"] = err.Error()
	} else {
		upstream["reachable"] = true
		upstream["status"] = status
	}

	a.json(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"env":       env,
		"upstream":  upstream,
	})
}
