package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

// Client talks to inference workers and to the gateway chat queue over NATS.
type Client interface {
	// Infer sends a rendered prompt to the worker serving model.
	Infer(ctx context.Context, model, prompt string, params map[string]interface{}) (*InferenceResponse, error)
	// Chat submits an OpenAI-shaped chat completion body to the gateway queue.
	Chat(ctx context.Context, model string, body json.RawMessage) (*ChatQueueResponse, error)
	CheckHealth(ctx context.Context, subject string) (*HealthStatus, error)
	Close() error
}

// NATSClient implements Client with publish + private reply subject, the
// same request pattern the inference workers expect.
type NATSClient struct {
	conn     *nats.Conn
	clientID string
	timeout  time.Duration
	owned    bool
}

// NewNATSClient connects to natsURL and owns the connection.
func NewNATSClient(natsURL, clientID string) (*NATSClient, error) {
	conn, err := nats.Connect(natsURL, nats.Name(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c := NewNATSClientFromConn(conn, clientID)
	c.owned = true
	return c, nil
}

// NewNATSClientFromConn reuses an existing connection; Close leaves it open.
func NewNATSClientFromConn(conn *nats.Conn, clientID string) *NATSClient {
	if clientID == "" {
		clientID = "chat-gateway"
	}
	return &NATSClient{
		conn:     conn,
		clientID: clientID,
		timeout:  120 * time.Second,
	}
}

// SetTimeout configures the reply timeout
func (c *NATSClient) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

func (c *NATSClient) Infer(ctx context.Context, model, prompt string, params map[string]interface{}) (*InferenceResponse, error) {
	reqID := ulid.Make().String()
	request := InferenceRequest{
		ReqID:   reqID,
		Input:   prompt,
		Params:  params,
		Raw:     true,
		ReplyTo: fmt.Sprintf("inference.response.%s.%s", c.clientID, reqID),
	}

	var response InferenceResponse
	topic := fmt.Sprintf("inference.request.%s", model)
	if err := c.roundTrip(ctx, topic, request.ReplyTo, request, &response, c.timeout); err != nil {
		return nil, err
	}
	return &response, nil
}

func (c *NATSClient) Chat(ctx context.Context, model string, body json.RawMessage) (*ChatQueueResponse, error) {
	reqID := ulid.Make().String()
	request := ChatQueueRequest{
		ReqID:    reqID,
		ClientID: c.clientID,
		ReplyTo:  fmt.Sprintf("chat.response.%s.%s", c.clientID, reqID),
		Request:  body,
	}

	var response ChatQueueResponse
	topic := fmt.Sprintf("chat.request.%s", model)
	if err := c.roundTrip(ctx, topic, request.ReplyTo, request, &response, c.timeout); err != nil {
		return nil, err
	}
	return &response, nil
}

// CheckHealth sends a health request to subject. Workers answer on
// models.<model>.health, gateways on gateway.<model>.health.
func (c *NATSClient) CheckHealth(ctx context.Context, subject string) (*HealthStatus, error) {
	reqID := ulid.Make().String()
	replySubject := fmt.Sprintf("health.response.%s.%s", c.clientID, reqID)
	healthReq := map[string]interface{}{
		"req_id":   reqID,
		"reply_to": replySubject,
	}

	var health HealthStatus
	if err := c.roundTrip(ctx, subject, replySubject, healthReq, &health, 5*time.Second); err != nil {
		return nil, err
	}
	return &health, nil
}

// roundTrip subscribes to the reply subject first, publishes, then waits.
func (c *NATSClient) roundTrip(ctx context.Context, topic, replySubject string, request, out interface{}, timeout time.Duration) error {
	requestBytes, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	replyChan := make(chan *nats.Msg, 1)
	sub, err := c.conn.Subscribe(replySubject, func(msg *nats.Msg) {
		select {
		case replyChan <- msg:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to reply: %w", err)
	}
	defer sub.Unsubscribe()

	if err := c.conn.Publish(topic, requestBytes); err != nil {
		return fmt.Errorf("failed to publish request: %w", err)
	}
	slog.Debug("Published request, waiting for reply", "topic", topic, "reply_subject", replySubject)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-replyChan:
		if err := json.Unmarshal(msg.Data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("request timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the NATS connection if the client created it
func (c *NATSClient) Close() error {
	if c.owned && c.conn != nil {
		c.conn.Close()
	}
	return nil
}
