package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/conductor/internal/agent"
)

type capturedRequest struct {
	Model     string `json:"model"`
	MaxTokens int64  `json:"max_tokens"`
	System    []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func newFakeAPI(t *testing.T, reply string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req capturedRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_test",
			"type":          "message",
			"role":          "assistant",
			"model":         req.Model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": reply}},
			"usage":         map[string]any{"input_tokens": 12, "output_tokens": 7},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestNewClient_WithAPIKey(t *testing.T) {
	client, err := NewClient(ClientConfig{APIKey: "test-key-123", Model: string(anthropic.Model("claude-haiku-4-5-20251001"))})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Model() != anthropic.Model("claude-haiku-4-5-20251001") {
		t.Errorf("Model = %q", client.Model())
	}
	if client.Tracker() == nil {
		t.Error("Tracker should not be nil")
	}
}

func TestNewClient_DefaultModel(t *testing.T) {
	client, err := NewClient(ClientConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("Default model = %q, want %q", client.Model(), anthropic.ModelClaudeSonnet4_20250514)
	}
}

func TestNewClient_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
	}{
		{"no api key", ClientConfig{Provider: ProviderAnthropic}},
		{"unknown provider", ClientConfig{Provider: "openai", APIKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(tt.cfg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestNewClient_Bedrock(t *testing.T) {
	if os.Getenv("AWS_REGION") == "" && os.Getenv("AWS_DEFAULT_REGION") == "" {
		t.Skip("AWS_REGION not set, skipping Bedrock test")
	}

	client, err := NewClient(ClientConfig{
		Provider:  ProviderBedrock,
		AWSRegion: "us-west-2",
		Model:     string(anthropic.ModelClaudeSonnet4_20250514),
	})
	if err != nil {
		t.Fatalf("NewClient with Bedrock failed: %v", err)
	}
	if client.Model() != "us.anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("Model = %q", client.Model())
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	tests := []struct {
		in, want anthropic.Model
	}{
		{anthropic.ModelClaudeSonnet4_20250514, "us.anthropic.claude-sonnet-4-20250514-v1:0"},
		{anthropic.Model("claude-haiku-4-5-20251001"), "us.anthropic.claude-haiku-4-5-20251001-v1:0"},
		{"us.anthropic.custom-v1:0", "us.anthropic.custom-v1:0"},
	}
	for _, tt := range tests {
		if got := translateModelForBedrock(tt.in); got != tt.want {
			t.Errorf("translateModelForBedrock(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestComplete(t *testing.T) {
	srv, reqs := newFakeAPI(t, "hello from the model")
	client, err := NewClient(ClientConfig{APIKey: "k", BaseURL: srv.URL, MaxTokens: 256})
	if err != nil {
		t.Fatal(err)
	}

	out, err := client.Complete(context.Background(), agent.Request{
		Model:  "claude-test",
		System: "be brief",
		Messages: []agent.Message{
			{Role: agent.RoleUser, Content: "hi"},
			{Role: agent.RoleAssistant, Content: "hello"},
			{Role: agent.RoleUser, Content: "again"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "hello from the model" {
		t.Errorf("output = %q", out)
	}

	if len(*reqs) != 1 {
		t.Fatalf("requests = %d", len(*reqs))
	}
	got := (*reqs)[0]
	if got.Model != "claude-test" || got.MaxTokens != 256 {
		t.Errorf("model/max_tokens = %q/%d", got.Model, got.MaxTokens)
	}
	if len(got.System) != 1 || got.System[0].Text != "be brief" {
		t.Errorf("system = %+v", got.System)
	}
	roles := []string{}
	for _, m := range got.Messages {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "user,assistant,user" {
		t.Errorf("roles = %v", roles)
	}

	in, outTok := client.Tracker().Total()
	if in != 12 || outTok != 7 || client.Tracker().Calls() != 1 {
		t.Errorf("tracker = %d/%d/%d", in, outTok, client.Tracker().Calls())
	}
}

func TestComplete_RateLimitHonoursContext(t *testing.T) {
	srv, _ := newFakeAPI(t, "ok")
	client, err := NewClient(ClientConfig{APIKey: "k", BaseURL: srv.URL, RateLimitRPS: 0.01, Burst: 1})
	if err != nil {
		t.Fatal(err)
	}
	req := agent.Request{Messages: []agent.Message{{Role: agent.RoleUser, Content: "x"}}}
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Complete(ctx, req)
	if err == nil {
		t.Fatal("second call should wait on the limiter and fail")
	}
	if client.Tracker().Calls() != 1 {
		t.Errorf("calls = %d, want 1", client.Tracker().Calls())
	}
	if !strings.Contains(err.Error(), "rate limit") && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTokenTracker_AddMultiple(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.Add(100, 50)
	tracker.Add(200, 100)
	tracker.Add(50, 25)

	input, output := tracker.Total()
	if input != 350 {
		t.Errorf("Input tokens = %d, want 350", input)
	}
	if output != 175 {
		t.Errorf("Output tokens = %d, want 175", output)
	}
	if tracker.Calls() != 3 {
		t.Errorf("Calls = %d, want 3", tracker.Calls())
	}
}
