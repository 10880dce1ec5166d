package coze

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Normalized is the single result extracted from a workflow response,
// whatever wire shape the upstream picked for it.
type Normalized struct {
	Prompt    string
	DebugURL  string
	ExecuteID string
	Err       *EventError
}

// EventError is a terminal error frame reported inside an event stream. It
// is an upstream execution failure, not a parse failure.
type EventError struct {
	Code    int64
	Message string
}

func (e *EventError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("coze: workflow error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("coze: workflow error: %s", e.Message)
}

var executeIDPattern = regexp.MustCompile(`execute_id=([^&]+)`)

// Normalize extracts a prompt string from a raw workflow response body. The
// body is either SSE framing (event/data line pairs), a plain JSON object,
// or JSON whose data field is itself a JSON-encoded string.
//
// Normalize never fails: when no prompt can be located it substitutes a
// diagnostic rendering of the whole payload, so callers always have
// something to show. It performs no I/O and is deterministic.
func Normalize(raw []byte) Normalized {
	if frames, ok := parseEventStream(raw); ok {
		if len(frames.errorData) > 0 {
			return Normalized{Err: decodeEventError(frames.errorData)}
		}
		payload := frames.messageData
		if len(payload) == 0 {
			payload = frames.doneData
		}
		if len(payload) == 0 {
			return Normalized{Prompt: diagnosticPrompt(raw)}
		}
		n := normalizeJSON(payload, raw)
		if n.DebugURL == "" && len(frames.doneData) > 0 {
			// debug_url usually rides the completion frame.
			if alt := normalizeJSON(frames.doneData, raw); alt.DebugURL != "" {
				n.DebugURL, n.ExecuteID = alt.DebugURL, alt.ExecuteID
			}
		}
		return n
	}
	return normalizeJSON(raw, raw)
}

type eventFrames struct {
	errorData   []byte
	messageData []byte
	doneData    []byte
	seen        bool
}

func parseEventStream(raw []byte) (eventFrames, bool) {
	var frames eventFrames
	var current string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "event:"):
			current = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			frames.seen = true
		case strings.HasPrefix(line, "data:"):
			data := []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			switch strings.ToLower(current) {
			case "error":
				frames.errorData = data
			case "done", "finish":
				frames.doneData = data
			case "message", "result":
				frames.messageData = data
			}
		}
	}
	return frames, frames.seen
}

func decodeEventError(data []byte) *EventError {
	var decoded struct {
		ErrorCode    int64  `json:"error_code"`
		ErrorMessage string `json:"error_message"`
		Code         int64  `json:"code"`
		Msg          string `json:"msg"`
	}
	_ = json.Unmarshal(data, &decoded)
	code := decoded.ErrorCode
	if code == 0 {
		code = decoded.Code
	}
	message := decoded.ErrorMessage
	if message == "" {
		message = decoded.Msg
	}
	if message == "" {
		message = strings.TrimSpace(string(data))
	}
	return &EventError{Code: code, Message: message}
}

// promptPaths is the extraction priority order; first hit wins.
var promptPaths = [][]string{
	{"data", "result", "prompt"},
	{"data", "prompt"},
	{"result", "prompt"},
	{"prompt"},
	{"output"},
}

func normalizeJSON(body, whole []byte) Normalized {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Normalized{Prompt: diagnosticPrompt(whole)}
	}
	obj, _ := decoded.(map[string]any)

	var n Normalized
	for _, path := range promptPaths {
		if v, ok := lookupString(obj, path...); ok {
			n.Prompt = v
			break
		}
	}
	if n.Prompt == "" {
		// data may be a JSON-encoded string wrapping {"output": "..."}.
		if inner, ok := lookupString(obj, "data"); ok {
			var nested map[string]any
			if err := json.Unmarshal([]byte(inner), &nested); err == nil {
				if v, ok := lookupString(nested, "output"); ok {
					n.Prompt = v
				} else if v, ok := lookupString(nested, "prompt"); ok {
					n.Prompt = v
				}
			}
		}
	}
	if v, ok := lookupString(obj, "debug_url"); ok {
		n.DebugURL = v
		n.ExecuteID = executeIDFromDebugURL(v)
	}
	if n.Prompt == "" {
		n.Prompt = diagnosticPrompt(whole)
	}
	return n
}

func lookupString(obj map[string]any, path ...string) (string, bool) {
	cur := any(obj)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[key]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func executeIDFromDebugURL(debugURL string) string {
	m := executeIDPattern.FindStringSubmatch(debugURL)
	if m == nil {
		return ""
	}
	// PathUnescape, not QueryUnescape: an execute_id containing + must keep
	// it literal.
	if decoded, err := url.PathUnescape(m[1]); err == nil {
		return decoded
	}
	return m[1]
}

// diagnosticPrompt renders the payload itself when no prompt field could be
// located. Surfacing raw JSON to the end user is a deliberate trade-off:
// an ugly prompt beats a silent empty one.
func diagnosticPrompt(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return strings.TrimSpace(string(raw))
}
