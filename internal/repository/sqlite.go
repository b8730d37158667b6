package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aigoflow/chat-gateway/internal/models"
	"github.com/aigoflow/chat-gateway/internal/store"
)

// SQLiteRepository implements Repository interface using SQLite
type SQLiteRepository struct {
	requestRepo RequestRepositoryInterface
	eventRepo   EventRepositoryInterface
}

func NewSQLiteRepository(db *store.DB) Repository {
	return &SQLiteRepository{
		requestRepo: &SQLiteRequestRepository{db: db},
		eventRepo:   &SQLiteEventRepository{db: db},
	}
}

func (r *SQLiteRepository) Request() RequestRepositoryInterface {
	return r.requestRepo
}

func (r *SQLiteRepository) Event() EventRepositoryInterface {
	return r.eventRepo
}

// SQLiteRequestRepository handles request logging
type SQLiteRequestRepository struct {
	db *store.DB
}

func (r *SQLiteRequestRepository) LogRequest(ctx context.Context, req *models.RequestLog) error {
	err := r.db.Req(store.ReqRow{
		Start:           req.Timestamp,
		ReqID:           req.ReqID,
		Source:          req.Source,
		ClientKey:       req.ClientKey,
		Model:           req.Model,
		Template:        req.Template,
		Mode:            req.Mode,
		Stream:          req.Stream,
		FormattedPrompt: req.FormattedPrompt,
		ResponseText:    req.ResponseText,
		FinishReason:    req.FinishReason,
		ToolCalls:       req.ToolCalls,
		TokensIn:        req.PromptTokens,
		TokensOut:       req.CompletionTokens,
		Duration:        time.Duration(req.DurationMs * float64(time.Millisecond)),
		Status:          req.Status,
		Error:           req.Error,
	})
	if err != nil {
		return fmt.Errorf("failed to log request %s: %w", req.ReqID, err)
	}
	return nil
}

func (r *SQLiteRequestRepository) GetRequestLogs(ctx context.Context, limit int) ([]*models.RequestLog, error) {
	rows, err := r.db.RecentReqs(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read request logs: %w", err)
	}

	logs := make([]*models.RequestLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, &models.RequestLog{
			Timestamp:        row.Start,
			ReqID:            row.ReqID,
			Source:           row.Source,
			ClientKey:        row.ClientKey,
			Model:            row.Model,
			Template:         row.Template,
			Mode:             row.Mode,
			Stream:           row.Stream,
			FormattedPrompt:  row.FormattedPrompt,
			ResponseText:     row.ResponseText,
			FinishReason:     row.FinishReason,
			ToolCalls:        row.ToolCalls,
			PromptTokens:     row.TokensIn,
			CompletionTokens: row.TokensOut,
			DurationMs:       float64(row.Duration.Microseconds()) / 1000,
			Status:           row.Status,
			Error:            row.Error,
		})
	}
	return logs, nil
}

// SQLiteEventRepository handles event logging
type SQLiteEventRepository struct {
	db *store.DB
}

func (r *SQLiteEventRepository) LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error {
	if err := r.db.Event(level, code, msg, meta); err != nil {
		return fmt.Errorf("failed to log event %s: %w", code, err)
	}
	return nil
}
