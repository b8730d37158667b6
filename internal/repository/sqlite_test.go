package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aigoflow/chat-gateway/internal/models"
	"github.com/aigoflow/chat-gateway/internal/store"
)

func openRepo(t *testing.T) (Repository, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "gateway.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteRepository(db), db
}

func TestRequestLogRoundTrip(t *testing.T) {
	repo, _ := openRepo(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"req-1", "req-2", "req-3"} {
		err := repo.Request().LogRequest(ctx, &models.RequestLog{
			Timestamp:        start.Add(time.Duration(i) * time.Second),
			ReqID:            id,
			Source:           "http",
			ClientKey:        "10.0.0.1",
			Model:            "qwen3-4b",
			Template:         "chatml",
			Mode:             "tool_aware",
			Stream:           i == 1,
			FormattedPrompt:  "<|im_start|>user\nhi<|im_end|>\n",
			ResponseText:     "hello",
			FinishReason:     "stop",
			ToolCalls:        i,
			PromptTokens:     10,
			CompletionTokens: 5,
			DurationMs:       12.5,
			Status:           models.StatusOK,
		})
		if err != nil {
			t.Fatalf("log %s: %v", id, err)
		}
	}

	logs, err := repo.Request().GetRequestLogs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(logs))
	}
	if logs[0].ReqID != "req-3" || logs[1].ReqID != "req-2" {
		t.Errorf("order = %s, %s; want newest first", logs[0].ReqID, logs[1].ReqID)
	}

	got := logs[1]
	if !got.Stream || got.ToolCalls != 1 || got.Mode != "tool_aware" || got.Template != "chatml" {
		t.Errorf("row = %+v", got)
	}
	if got.PromptTokens != 10 || got.CompletionTokens != 5 || got.DurationMs != 12.5 {
		t.Errorf("numbers = %d/%d/%v", got.PromptTokens, got.CompletionTokens, got.DurationMs)
	}
	if !got.Timestamp.Equal(start.Add(time.Second)) {
		t.Errorf("ts = %v", got.Timestamp)
	}
}

func TestLogEvent(t *testing.T) {
	repo, db := openRepo(t)
	if err := repo.Event().LogEvent(context.Background(), "info", "startup", "gateway started", map[string]interface{}{"model": "m"}); err != nil {
		t.Fatal(err)
	}

	var code, meta string
	if err := db.QueryRow(`SELECT code, meta FROM events`).Scan(&code, &meta); err != nil {
		t.Fatal(err)
	}
	if code != "startup" || meta != `{"model":"m"}` {
		t.Errorf("event = %s %s", code, meta)
	}
}
