// Package queue provides the Redis-backed run request intake. External
// systems push JSON payloads onto a Redis list; the receiver validates
// them and republishes run.requested events on the bus.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/xeipuuv/gojsonschema"

	"github.com/trellis-ml/trellis/pkg/eventbus"
	"github.com/trellis-ml/trellis/pkg/events"
)

const DefaultQueue = "trellis:run_requests"

// payload is the accepted message shape.
type payload struct {
	DeploymentID   string         `json:"deployment_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

var payloadSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"deployment_id":   map[string]any{"type": "string", "minLength": 1},
		"idempotency_key": map[string]any{"type": "string"},
		"parameters":      map[string]any{"type": "object"},
	},
	"required":             []string{"deployment_id"},
	"additionalProperties": false,
}

type Receiver struct {
	logger   *slog.Logger
	eventBus eventbus.EventBus

	queue      string
	connection map[string]string

	client redis.UniversalClient
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReceiver builds a queue receiver from its configuration. Recognized
// keys: queue (list name), connection.addr, connection.password,
// connection.db.
func NewReceiver(config map[string]any, logger *slog.Logger, eventBus eventbus.EventBus) (*Receiver, error) {
	queue, _ := config["queue"].(string)
	if queue == "" {
		queue = DefaultQueue
	}

	connectionConfig, _ := config["connection"].(map[string]any)

	connection := make(map[string]string)
	for k, v := range connectionConfig {
		if str, ok := v.(string); ok {
			connection[k] = str
		}
	}

	return &Receiver{
		logger: logger.With(
			"module", "queue_receiver",
			"queue", queue,
		),
		eventBus:   eventBus,
		queue:      queue,
		connection: connection,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start connects to Redis and begins consuming run requests.
func (r *Receiver) Start(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Starting queue receiver")

	if err := r.initializeClient(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue client: %w", err)
	}

	r.wg.Add(1)

	go r.consume(ctx)

	return nil
}

func (r *Receiver) initializeClient(ctx context.Context) error {
	addr := r.connection["addr"]
	if addr == "" {
		addr = "localhost:6379"
	}

	password := r.connection["password"]
	db := 0

	if dbStr := r.connection["db"]; dbStr != "" {
		var err error
		if db, err = r.parseDB(dbStr); err != nil {
			return fmt.Errorf("invalid db value: %w", err)
		}
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.logger.InfoContext(ctx, "Connected to Redis", "addr", addr, "db", db)

	return nil
}

func (r *Receiver) parseDB(dbStr string) (int, error) {
	var db int

	_, err := fmt.Sscanf(dbStr, "%d", &db)

	return db, err
}

func (r *Receiver) consume(ctx context.Context) {
	defer r.wg.Done()

	r.logger.InfoContext(ctx, "Starting queue consumer")

	for {
		select {
		case <-r.stopCh:
			r.logger.InfoContext(ctx, "Queue consumer stopped")

			return
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Context cancelled, stopping queue consumer")

			return
		default:
			if err := r.processMessage(ctx); err != nil {
				r.logger.ErrorContext(ctx, "Error processing message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (r *Receiver) processMessage(ctx context.Context) error {
	result, err := r.client.BLPop(ctx, 1*time.Second, r.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	return r.handleMessage(ctx, result[1])
}

// handleMessage validates one raw payload and republishes it as a run
// request. Invalid payloads are dropped with a log line; they would fail
// identically on every retry.
func (r *Receiver) handleMessage(ctx context.Context, message string) error {
	if err := validatePayload(message); err != nil {
		r.logger.WarnContext(ctx, "Dropping invalid queue message", "error", err)

		return nil
	}

	var request payload
	if err := json.Unmarshal([]byte(message), &request); err != nil {
		r.logger.WarnContext(ctx, "Dropping undecodable queue message", "error", err)

		return nil
	}

	key := request.IdempotencyKey
	if key == "" {
		key = "queue-" + uuid.New().String()
	}

	event := events.RunRequested{
		BaseEvent:      events.NewBaseEvent(events.RunRequestedEvent, request.DeploymentID, ""),
		IdempotencyKey: key,
		Parameters:     request.Parameters,
		Initiator:      "queue",
	}

	if err := r.eventBus.Publish(ctx, request.DeploymentID+":"+key, event); err != nil {
		return fmt.Errorf("failed to publish run request: %w", err)
	}

	r.logger.InfoContext(ctx, "Published queued run request",
		"deployment_id", request.DeploymentID,
		"idempotency_key", key)

	return nil
}

func validatePayload(message string) error {
	schemaLoader := gojsonschema.NewGoLoader(payloadSchema)
	documentLoader := gojsonschema.NewStringLoader(message)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, validationError := range result.Errors() {
			messages = append(messages, validationError.String())
		}

		return fmt.Errorf("payload validation failed: %s", strings.Join(messages, "; "))
	}

	return nil
}

// Stop gracefully shuts down the receiver.
func (r *Receiver) Stop(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Stopping queue receiver")

	close(r.stopCh)
	r.wg.Wait()

	if r.client != nil {
		if err := r.client.Close(); err != nil {
			r.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
		}
	}

	return nil
}
