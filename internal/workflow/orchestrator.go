// Package workflow drives one image-to-prompt request through the upstream
// pipeline: validate, cache lookup, file upload, asset resolution, workflow
// run, response normalization, cache store.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"server/internal/coze"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/promptcache"
	"server/internal/storage"
)

// Options wires the orchestrator's collaborators. Client and Cache are
// required; Spool is optional diagnostics.
type Options struct {
	Client         *coze.Client
	Cache          *promptcache.Cache
	Logger         *infra.Logger
	Spool          *storage.Spool
	MaxUploadBytes int64
}

// DefaultMaxUploadBytes bounds uploads when no ceiling is configured; the
// upstream service rejects anything much bigger anyway.
const DefaultMaxUploadBytes = 10 << 20

// Orchestrator executes the pipeline. It is stateless apart from the shared
// result cache and safe for concurrent use.
type Orchestrator struct {
	client   *coze.Client
	cache    *promptcache.Cache
	logger   infra.Logger
	spool    *storage.Spool
	maxBytes int64
	now      func() time.Time
}

// New builds an Orchestrator from Options.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		client:   opts.Client,
		cache:    opts.Cache,
		spool:    opts.Spool,
		maxBytes: opts.MaxUploadBytes,
		now:      time.Now,
	}
	if opts.Logger != nil {
		o.logger = *opts.Logger
	}
	if o.cache == nil {
		o.cache = promptcache.New(promptcache.DefaultTTL)
	}
	if o.maxBytes <= 0 {
		o.maxBytes = DefaultMaxUploadBytes
	}
	return o
}

// MaxUploadBytes reports the configured upload ceiling.
func (o *Orchestrator) MaxUploadBytes() int64 {
	return o.maxBytes
}

// Generate runs the full pipeline for one request. Every failure comes back
// as a *domain.PipelineError carrying the stage and the HTTP status the
// caller should relay; Generate itself never panics past its boundary.
func (o *Orchestrator) Generate(ctx context.Context, req domain.UploadRequest) (result *domain.RunResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error().Interface("panic", rec).Msg("workflow: recovered from panic")
			result = nil
			err = &domain.PipelineError{
				Stage:      domain.StageUnknown,
				Message:    fmt.Sprintf("internal failure: %v", rec),
				HTTPStatus: http.StatusInternalServerError,
			}
		}
	}()

	if len(req.Data) == 0 {
		return nil, &domain.PipelineError{
			Stage:      domain.StageValidate,
			Message:    domain.ErrMissingFile.Error(),
			HTTPStatus: http.StatusBadRequest,
			Err:        domain.ErrMissingFile,
		}
	}
	if int64(len(req.Data)) > o.maxBytes || req.FileSize > o.maxBytes {
		return nil, &domain.PipelineError{
			Stage:      domain.StageValidate,
			Message:    fmt.Sprintf("file exceeds %d byte limit", o.maxBytes),
			HTTPStatus: http.StatusRequestEntityTooLarge,
			Err:        domain.ErrPayloadTooLarge,
		}
	}
	req.ApplyDefaults()

	fingerprint := promptcache.Fingerprint(req.FileName, req.FileSize, req.PromptType, req.Language)
	if cached, ok := o.cache.Get(fingerprint); ok {
		cached.Cached = true
		o.logger.Debug().Str("fingerprint", fingerprint).Msg("workflow: cache hit")
		return &cached, nil
	}

	upload, err := o.client.UploadFile(ctx, req.FileName, req.Data)
	if err != nil {
		return nil, stageError(domain.StageUpload, "file upload failed", err)
	}

	if o.spool != nil {
		if key, err := o.spool.SaveUpload(ctx, req.FileName, req.Data); err != nil {
			o.logger.Debug().Err(err).Msg("workflow: spool write failed")
		} else {
			o.logger.Debug().Str("key", key).Msg("workflow: spooled upload")
		}
	}

	// Best effort: the run works with the bare file id, the URL is extra
	// metadata for workflows that want it.
	fileURL, err := o.client.FileURL(ctx, upload.FileID)
	if err != nil {
		o.logger.Debug().Err(err).Str("file_id", upload.FileID).Msg("workflow: file url resolution failed")
		fileURL = ""
	}

	outcome, err := o.client.RunWorkflow(ctx, coze.RunInput{
		FileID:     upload.FileID,
		FileURL:    fileURL,
		InputKey:   req.InputKey,
		PromptType: req.PromptType,
		UseQuery:   req.UseQuery,
		Language:   req.Language,
	})
	if err != nil {
		return nil, stageError(domain.StageRun, "workflow run failed", err)
	}

	normalized := coze.Normalize(outcome.Body)
	if normalized.Err != nil {
		// A terminal error frame is an upstream execution failure, not a
		// parse problem.
		return nil, &domain.PipelineError{
			Stage:          domain.StageRun,
			Message:        normalized.Err.Message,
			HTTPStatus:     http.StatusBadGateway,
			UpstreamStatus: outcome.StatusCode,
			UpstreamBody:   string(outcome.Body),
			Err:            normalized.Err,
		}
	}

	res := domain.RunResult{
		Prompt:         normalized.Prompt,
		ExecuteID:      normalized.ExecuteID,
		DebugURL:       normalized.DebugURL,
		FileID:         upload.FileID,
		UploadResponse: upload.Raw,
		RunResponse:    outcome.Body,
		SentParameters: outcome.Parameters,
		Timestamp:      o.now().UTC(),
	}
	o.cache.Put(fingerprint, res)
	o.logger.Info().
		Str("file_id", upload.FileID).
		Str("execute_id", res.ExecuteID).
		Str("prompt_type", string(req.PromptType)).
		Msg("workflow: prompt generated")
	return &res, nil
}

// stageError converts a client failure into a staged pipeline error,
// surfacing timeouts distinctly from other upstream failures.
func stageError(stage domain.Stage, message string, err error) *domain.PipelineError {
	pe := &domain.PipelineError{
		Stage:      stage,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
	var statusErr *coze.StatusError
	if errors.As(err, &statusErr) {
		pe.UpstreamStatus = statusErr.StatusCode
		pe.UpstreamBody = statusErr.Body
	}
	if errors.Is(err, context.DeadlineExceeded) {
		pe.HTTPStatus = http.StatusGatewayTimeout
		pe.Message = message + ": upstream timeout"
	}
	return pe
}
