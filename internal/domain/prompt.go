package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// PromptType selects the style of prompt the workflow produces.
type PromptType string

const (
	PromptTypeFlux            PromptType = "flux"
	PromptTypeMidjourney      PromptType = "midjourney"
	PromptTypeStableDiffusion PromptType = "stable-diffusion"
	PromptTypeGeneral         PromptType = "general"
)

// ParsePromptType maps a user-supplied value onto a known prompt type,
// defaulting to flux for empty or unrecognized input.
func ParsePromptType(s string) PromptType {
	switch PromptType(strings.ToLower(strings.TrimSpace(s))) {
	case PromptTypeMidjourney:
		return PromptTypeMidjourney
	case PromptTypeStableDiffusion:
		return PromptTypeStableDiffusion
	case PromptTypeGeneral:
		return PromptTypeGeneral
	default:
		return PromptTypeFlux
	}
}

const (
	DefaultInputKey = "img"
	DefaultLanguage = "en"
)

// UploadRequest carries one inbound image-to-prompt request through the
// pipeline. All fields besides the file bytes are optional and are filled
// with defaults by ApplyDefaults.
type UploadRequest struct {
	FileName    string
	FileSize    int64
	ContentType string
	Data        []byte
	PromptType  PromptType
	UseQuery    string
	InputKey    string
	Language    string
}

// ApplyDefaults fills optional fields the same way the public form does.
func (r *UploadRequest) ApplyDefaults() {
	if r.PromptType == "" {
		r.PromptType = PromptTypeFlux
	}
	if strings.TrimSpace(r.InputKey) == "" {
		r.InputKey = DefaultInputKey
	}
	if strings.TrimSpace(r.Language) == "" {
		r.Language = DefaultLanguage
	}
	if r.FileSize <= 0 {
		r.FileSize = int64(len(r.Data))
	}
}

// RunResult is the normalized outcome of one workflow invocation. Prompt is
// never empty on the success path; when extraction fails it holds a
// diagnostic rendering of the upstream payload instead.
type RunResult struct {
	Prompt         string
	ExecuteID      string
	DebugURL       string
	FileID         string
	Cached         bool
	UploadResponse json.RawMessage
	RunResponse    json.RawMessage
	SentParameters map[string]any
	Timestamp      time.Time
}
