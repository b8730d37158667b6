package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/chat-gateway/internal/config"
	"github.com/aigoflow/chat-gateway/internal/models"
	"github.com/aigoflow/chat-gateway/internal/ratelimit"
	"github.com/aigoflow/chat-gateway/pkg/client"
)

// generateWorkerID creates a unique worker ID using timestamp and random bytes
func generateWorkerID() string {
	timestamp := time.Now().UnixNano()
	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	return fmt.Sprintf("worker-%d-%s", timestamp, hex.EncodeToString(randomBytes))
}

// ClientKeyPrefix namespaces NATS callers in the rate limiter
const ClientKeyPrefix = "nats:"

// ChatQueue serves chat completions from a JetStream work queue. Every
// message is admitted through the same rate limiter as HTTP callers.
type ChatQueue struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	chat       *ChatService
	limiter    *ratelimit.Limiter
	cfg        *config.Config
	monitoring *MonitoringService
	now        func() time.Time
}

func NewChatQueue(conn *nats.Conn, cfg *config.Config, chat *ChatService, limiter *ratelimit.Limiter, monitoring *MonitoringService) (*ChatQueue, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &ChatQueue{
		conn:       conn,
		js:         js,
		chat:       chat,
		limiter:    limiter,
		cfg:        cfg,
		monitoring: monitoring,
		now:        time.Now,
	}, nil
}

// Start runs the workers until ctx is cancelled
func (q *ChatQueue) Start(ctx context.Context) error {
	if err := q.ensureStream(); err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}

	consumer, err := q.createConsumer()
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer consumer.Unsubscribe()

	slog.Info("Chat queue starting",
		"stream", q.cfg.Stream,
		"subject", q.cfg.Subject,
		"consumer", q.cfg.Durable,
		"concurrency", q.cfg.Concurrency)

	done := make(chan struct{})
	for i := 0; i < q.cfg.Concurrency; i++ {
		go func(workerID string) {
			q.worker(ctx, consumer, workerID)
			done <- struct{}{}
		}(generateWorkerID())
	}
	for i := 0; i < q.cfg.Concurrency; i++ {
		<-done
	}

	slog.Info("Chat queue shutting down")
	return nil
}

func (q *ChatQueue) ensureStream() error {
	streamInfo, err := q.js.StreamInfo(q.cfg.Stream)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = q.js.AddStream(&nats.StreamConfig{
			Name:      q.cfg.Stream,
			Subjects:  []string{q.cfg.Subject},
			MaxMsgs:   int64(q.cfg.MaxMsgs),
			MaxAge:    q.cfg.MaxAge,
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		slog.Info("Created NATS stream", "name", q.cfg.Stream)
		return nil
	}

	for _, subject := range streamInfo.Config.Subjects {
		if subject == q.cfg.Subject {
			slog.Info("NATS stream already exists", "name", q.cfg.Stream, "messages", streamInfo.State.Msgs)
			return nil
		}
	}

	newConfig := streamInfo.Config
	newConfig.Subjects = append(newConfig.Subjects, q.cfg.Subject)
	if _, err := q.js.UpdateStream(&newConfig); err != nil {
		return fmt.Errorf("failed to update stream with new subject: %w", err)
	}
	slog.Info("Updated NATS stream with new subject", "name", q.cfg.Stream, "subject", q.cfg.Subject)
	return nil
}

func (q *ChatQueue) createConsumer() (*nats.Subscription, error) {
	sub, err := q.js.PullSubscribe(q.cfg.Subject, q.cfg.Durable, nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("failed to create pull consumer: %w", err)
	}
	slog.Info("Created NATS consumer", "durable", q.cfg.Durable)
	return sub, nil
}

func (q *ChatQueue) worker(ctx context.Context, consumer *nats.Subscription, workerID string) {
	slog.Info("Chat queue worker starting", "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Chat queue worker shutting down", "worker_id", workerID)
			return
		default:
		}

		msgs, err := consumer.Fetch(1, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Error("Failed to fetch messages", "worker_id", workerID, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			q.monitoring.IncrementPending()
			q.processMessage(ctx, msg, workerID)
			q.monitoring.DecrementPending()
		}
	}
}

func (q *ChatQueue) processMessage(ctx context.Context, msg *nats.Msg, workerID string) {
	start := time.Now()

	var req client.ChatQueueRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Error("Failed to parse chat queue request",
			"worker_id", workerID,
			"error", err,
			"data", string(msg.Data))
		msg.Term()
		return
	}

	q.monitoring.IncrementActive()
	resp := q.handle(ctx, req)
	q.monitoring.DecrementActive()

	if req.ReplyTo != "" {
		data, err := json.Marshal(resp)
		if err != nil {
			slog.Error("Failed to marshal chat queue response", "worker_id", workerID, "req_id", req.ReqID, "error", err)
			msg.Nak()
			return
		}
		if err := q.conn.Publish(req.ReplyTo, data); err != nil {
			slog.Error("Failed to publish response",
				"worker_id", workerID,
				"req_id", req.ReqID,
				"reply_subject", req.ReplyTo,
				"error", err)
		}
	}

	if err := msg.Ack(); err != nil {
		slog.Error("Failed to acknowledge message", "worker_id", workerID, "req_id", req.ReqID, "error", err)
	}

	attrs := []any{
		"worker_id", workerID,
		"req_id", req.ReqID,
		"client_id", req.ClientID,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if resp.Error != nil {
		slog.Warn("Chat queue request failed", append(attrs, "error_type", resp.Error.Type)...)
		return
	}
	slog.Info("Chat queue request completed", attrs...)
}

// handle admits and serves one queued request. Streaming is not available
// over the queue; stream requests are answered with the full completion.
func (q *ChatQueue) handle(ctx context.Context, req client.ChatQueueRequest) client.ChatQueueResponse {
	resp := client.ChatQueueResponse{ReqID: req.ReqID}

	clientID := req.ClientID
	if clientID == "" {
		clientID = "anonymous"
	}
	key := ClientKeyPrefix + clientID

	if decision := q.limiter.Admit(key, q.now()); !decision.Allowed {
		q.chat.metrics.RateLimited("nats")
		resp.Error = errorBody(models.NewRateLimitError(decision.RetryAfterSeconds()))
		return resp
	}

	var chatReq models.ChatCompletionRequest
	if err := json.Unmarshal(req.Request, &chatReq); err != nil {
		resp.Error = errorBody(models.NewValidationError("invalid request body: %v", err))
		return resp
	}
	chatReq.Stream = false

	ctx = WithCaller(ctx, Caller{Source: "nats", ClientKey: key})
	completion, err := q.chat.Complete(ctx, &chatReq)
	if err != nil {
		resp.Error = errorBody(models.AsAPIError(err))
		return resp
	}

	body, err := json.Marshal(completion)
	if err != nil {
		resp.Error = errorBody(models.NewGenerationError(err))
		return resp
	}
	resp.Response = body
	return resp
}

func errorBody(e *models.APIError) *client.ErrorBody {
	env := e.Envelope()
	return &client.ErrorBody{
		Message:           env.Error.Message,
		Type:              env.Error.Type,
		RetryAfterSeconds: env.Error.RetryAfterSeconds,
	}
}
