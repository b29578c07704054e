package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultCorrectionStream is the default correction queue stream name
	DefaultCorrectionStream = "fern:corrections"

	// CorrectionMaxLen is the maximum stream length (oldest entries trimmed)
	CorrectionMaxLen = 10000
)

// CorrectionQueue signals quarantined and out-of-order records awaiting
// replay. The durable record lives in Postgres; the stream is the cheap
// wake-up channel correction workers block on.
type CorrectionQueue struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

// NewCorrectionQueue creates a new correction queue handler
func NewCorrectionQueue(client *Client, streamName string, logger ectologger.Logger) *CorrectionQueue {
	if streamName == "" {
		streamName = DefaultCorrectionStream
	}
	return &CorrectionQueue{
		client:     client,
		streamName: streamName,
		logger:     logger,
	}
}

// CorrectionEntry is one replay signal
type CorrectionEntry struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	QuarantineID string    `json:"quarantine_id"`
	RawRecordID  string    `json:"raw_record_id"`
	EntityType   string    `json:"entity_type"`
	ErrorClass   string    `json:"error_class"`
	CreatedAt    time.Time `json:"created_at"`
	TraceID      string    `json:"trace_id,omitempty"`
}

// Add publishes a replay signal to the stream
func (c *CorrectionQueue) Add(ctx context.Context, entry *CorrectionEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "CorrectionQueue.Add")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal correction entry: %w", err)
	}

	messageID, err := c.client.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: c.streamName,
		MaxLen: CorrectionMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":        string(data),
			"tenant_id":   entry.TenantID,
			"entity_type": entry.EntityType,
			"error_class": entry.ErrorClass,
		},
	}).Result()

	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("Failed to add correction entry")
		return "", fmt.Errorf("failed to add correction entry: %w", err)
	}

	c.logger.WithContext(ctx).Infof("Added correction entry: id=%s quarantine=%s class=%s", entry.ID, entry.QuarantineID, entry.ErrorClass)
	return messageID, nil
}

// List returns the newest entries from the stream
func (c *CorrectionQueue) List(ctx context.Context, count int64) ([]CorrectionEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "CorrectionQueue.List")
	defer span.End()

	if count <= 0 {
		count = 100
	}

	messages, err := c.client.Redis().XRevRangeN(ctx, c.streamName, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read correction queue: %w", err)
	}

	entries := make([]CorrectionEntry, 0, len(messages))
	for _, msg := range messages {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}

		var entry CorrectionEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			c.logger.WithContext(ctx).WithError(err).Warnf("Failed to unmarshal correction entry: %s", msg.ID)
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Delete removes a replay signal after the record was requeued or discarded
func (c *CorrectionQueue) Delete(ctx context.Context, messageID string) error {
	ctx, span := tracing.StartSpan(ctx, "CorrectionQueue.Delete")
	defer span.End()

	count, err := c.client.Redis().XDel(ctx, c.streamName, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete correction entry: %w", err)
	}

	if count == 0 {
		return fmt.Errorf("correction entry not found: %s", messageID)
	}
	return nil
}

// Count returns the number of pending replay signals
func (c *CorrectionQueue) Count(ctx context.Context) (int64, error) {
	return c.client.Redis().XLen(ctx, c.streamName).Result()
}
