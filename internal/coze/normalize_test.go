package coze

import (
	"strings"
	"testing"
)

func TestNormalizePlainJSONPriority(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "nested data result prompt",
			body: `{"data":{"result":{"prompt":"deep"}},"prompt":"shallow"}`,
			want: "deep",
		},
		{
			name: "data prompt",
			body: `{"data":{"prompt":"from data"}}`,
			want: "from data",
		},
		{
			name: "result prompt",
			body: `{"result":{"prompt":"from result"}}`,
			want: "from result",
		},
		{
			name: "top level prompt",
			body: `{"prompt":"top"}`,
			want: "top",
		},
		{
			name: "top level output",
			body: `{"output":"out"}`,
			want: "out",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := Normalize([]byte(tc.body))
			if n.Err != nil {
				t.Fatalf("unexpected error: %v", n.Err)
			}
			if n.Prompt != tc.want {
				t.Fatalf("prompt = %q, want %q", n.Prompt, tc.want)
			}
		})
	}
}

func TestNormalizeNestedJSONStringData(t *testing.T) {
	n := Normalize([]byte(`{"data":"{\"output\":\"a cat in a hat\"}"}`))
	if n.Prompt != "a cat in a hat" {
		t.Fatalf("prompt = %q, want a cat in a hat", n.Prompt)
	}

	n = Normalize([]byte(`{"data":"{\"prompt\":\"nested prompt\"}"}`))
	if n.Prompt != "nested prompt" {
		t.Fatalf("prompt = %q, want nested prompt", n.Prompt)
	}
}

func TestNormalizeExtractsExecuteIDFromDebugURL(t *testing.T) {
	body := `{"prompt":"p","debug_url":"https://www.coze.cn/work_flow?execute_id=744123%2Fabc&space_id=1"}`
	n := Normalize([]byte(body))
	if n.DebugURL == "" {
		t.Fatalf("debug url missing")
	}
	if n.ExecuteID != "744123/abc" {
		t.Fatalf("execute id = %q, want 744123/abc", n.ExecuteID)
	}
}

func TestNormalizeExecuteIDKeepsLiteralPlus(t *testing.T) {
	body := `{"prompt":"p","debug_url":"https://www.coze.cn/work_flow?execute_id=abc+def%2B1"}`
	n := Normalize([]byte(body))
	if n.ExecuteID != "abc+def+1" {
		t.Fatalf("execute id = %q, want abc+def+1", n.ExecuteID)
	}
}

func TestNormalizeFallsBackToDiagnosticPrompt(t *testing.T) {
	n := Normalize([]byte(`{"code":0,"msg":"ok"}`))
	if n.Prompt == "" {
		t.Fatalf("diagnostic prompt must not be empty")
	}
	if !strings.Contains(n.Prompt, `"msg":"ok"`) {
		t.Fatalf("diagnostic prompt %q does not embed the payload", n.Prompt)
	}
}

func TestNormalizeNonJSONBody(t *testing.T) {
	n := Normalize([]byte("  upstream exploded  "))
	if n.Prompt != "upstream exploded" {
		t.Fatalf("prompt = %q, want raw text fallback", n.Prompt)
	}
}

func TestNormalizeSSEErrorEvent(t *testing.T) {
	body := strings.Join([]string{
		"id: 0",
		"event: Error",
		`data: {"error_code":720701001,"error_message":"pack flow run failed"}`,
		"",
	}, "\n")
	n := Normalize([]byte(body))
	if n.Err == nil {
		t.Fatalf("expected event error")
	}
	if n.Err.Code != 720701001 {
		t.Fatalf("code = %d, want 720701001", n.Err.Code)
	}
	if !strings.Contains(n.Err.Message, "pack flow run failed") {
		t.Fatalf("message = %q, want embedded upstream message", n.Err.Message)
	}
}

func TestNormalizeSSEPrefersMessageOverDone(t *testing.T) {
	body := strings.Join([]string{
		"id: 0",
		"event: Message",
		`data: {"output":"message wins"}`,
		"",
		"id: 1",
		"event: Done",
		`data: {"debug_url":"https://www.coze.cn/work_flow?execute_id=exec-9"}`,
		"",
	}, "\n")
	n := Normalize([]byte(body))
	if n.Err != nil {
		t.Fatalf("unexpected error: %v", n.Err)
	}
	if n.Prompt != "message wins" {
		t.Fatalf("prompt = %q, want message wins", n.Prompt)
	}
	if n.ExecuteID != "exec-9" {
		t.Fatalf("execute id = %q, want exec-9 from done frame", n.ExecuteID)
	}
}

func TestNormalizeSSEDoneOnly(t *testing.T) {
	body := strings.Join([]string{
		"event: Done",
		`data: {"data":"{\"output\":\"done payload\"}"}`,
		"",
	}, "\n")
	n := Normalize([]byte(body))
	if n.Prompt != "done payload" {
		t.Fatalf("prompt = %q, want done payload", n.Prompt)
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	body := []byte(`{"data":{"result":{"prompt":"stable"}},"debug_url":"https://x?execute_id=1"}`)
	first := Normalize(body)
	second := Normalize(body)
	if first != second {
		t.Fatalf("normalize not deterministic: %+v vs %+v", first, second)
	}
}
