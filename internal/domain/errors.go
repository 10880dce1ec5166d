package domain

import (
	"errors"
	"fmt"
)

// Stage identifies the pipeline phase a failure is attributed to.
type Stage string

const (
	StageValidate Stage = "validate"
	StageUpload   Stage = "upload"
	StageRun      Stage = "run"
	StageParse    Stage = "parse"
	StageUnknown  Stage = "unknown"
)

var (
	ErrMissingFile        = errors.New("missing file")
	ErrNotMultipart       = errors.New("expected multipart/form-data")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrMissingCredentials = errors.New("upstream credentials are not configured")
)

// PipelineError is the structured failure every stage converts into. It is
// the only error type the HTTP boundary translates, so each one carries the
// status code the caller should see.
type PipelineError struct {
	Stage          Stage
	Message        string
	HTTPStatus     int
	UpstreamStatus int
	UpstreamBody   string
	Err            error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
