package kafka

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/internal/repositories/tabledescriptor"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// BatchHandler processes one tenant's worth of parsed bronze records
type BatchHandler func(ctx context.Context, tenantID string, records []*models.RawRecord) error

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	BatchSize     int
	FlushInterval time.Duration
}

// Consumer reads bronze events, parses both direct and Debezium envelopes,
// and hands batches to the handler. Offsets are committed only after the
// handler succeeds, so processing is at-least-once and idempotent replay on
// the engine side makes that safe.
type Consumer struct {
	reader      *kafka.Reader
	descriptors *tabledescriptor.Repository
	handler     BatchHandler
	logger      ectologger.Logger
	batchSize   int
	flushEvery  time.Duration
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg ConsumerConfig, descriptors *tabledescriptor.Repository, handler BatchHandler, logger ectologger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushEvery := cfg.FlushInterval
	if flushEvery <= 0 {
		flushEvery = 2 * time.Second
	}

	return &Consumer{
		reader:      reader,
		descriptors: descriptors,
		handler:     handler,
		logger:      logger,
		batchSize:   batchSize,
		flushEvery:  flushEvery,
	}
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": c.reader.Config().Topic,
	}).Info("Kafka consumer started")
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

// Health returns the consumer health status
func (c *Consumer) Health() bool {
	return c.reader != nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	pending := make([]kafka.Message, 0, c.batchSize)
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()

	fetched := make(chan kafka.Message)
	fetchErr := make(chan error, 1)
	go func() {
		defer close(fetched)
		for {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				fetchErr <- err
				return
			}
			select {
			case fetched <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.WithContext(ctx).Info("Consumer loop stopping")
			c.flush(context.WithoutCancel(ctx), pending)
			return

		case err := <-fetchErr:
			if err == context.Canceled || err == io.EOF {
				c.flush(context.WithoutCancel(ctx), pending)
				return
			}
			c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
			c.flush(ctx, pending)
			return

		case msg := <-fetched:
			pending = append(pending, msg)
			if len(pending) >= c.batchSize {
				if err := c.flush(ctx, pending); err != nil {
					return
				}
				pending = pending[:0]
			}

		case <-ticker.C:
			if len(pending) > 0 {
				if err := c.flush(ctx, pending); err != nil {
					return
				}
				pending = pending[:0]
			}
		}
	}
}

// flush parses the pending messages, runs one handler call per tenant, and
// commits all offsets only when every tenant batch succeeded. A handler
// failure stops the consumer without committing; the uncommitted window
// replays on restart and idempotent replay absorbs the duplicates.
func (c *Consumer) flush(ctx context.Context, msgs []kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.flush")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":    c.reader.Config().Topic,
		"messages": len(msgs),
	})

	byTenant := make(map[string][]*models.RawRecord)
	order := make([]string, 0)
	for i := range msgs {
		record, tenantID, err := c.parse(ctx, msgs[i])
		if err != nil {
			// malformed messages are logged and skipped so the partition
			// does not wedge; the engine never saw a raw record to quarantine
			log.WithError(err).WithFields(map[string]any{
				"partition": msgs[i].Partition,
				"offset":    msgs[i].Offset,
			}).Error("Failed to parse message")
			metrics.KafkaMessagesTotal.WithLabelValues(c.reader.Config().Topic, "parse_error").Inc()
			continue
		}
		if _, seen := byTenant[tenantID]; !seen {
			order = append(order, tenantID)
		}
		byTenant[tenantID] = append(byTenant[tenantID], record)
	}

	for _, tenantID := range order {
		records := byTenant[tenantID]
		if err := c.handler(ctx, tenantID, records); err != nil {
			log.WithError(err).WithFields(map[string]any{"tenant_id": tenantID}).Error("Failed to process batch (not committing)")
			metrics.KafkaMessagesTotal.WithLabelValues(c.reader.Config().Topic, "handler_error").Inc()
			return err
		}
	}

	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		log.WithError(err).Error("Failed to commit messages")
		return err
	}
	metrics.KafkaMessagesTotal.WithLabelValues(c.reader.Config().Topic, "consumed").Add(float64(len(msgs)))
	return nil
}

func (c *Consumer) parse(ctx context.Context, msg kafka.Message) (*models.RawRecord, string, error) {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	incoming := &IncomingMessage{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Topic:     msg.Topic,
	}

	if incoming.IsDebezium() {
		envelope, err := ParseDebeziumMessage(incoming.Value)
		if err != nil {
			return nil, "", err
		}

		tenantID := incoming.GetTenantID()
		desc, err := c.descriptors.GetByEntityType(ctx, tenantID, incoming.GetEntityType())
		if err != nil {
			return nil, "", err
		}

		record, err := envelope.Payload.ToRawRecord(desc, tenantID)
		if err != nil {
			return nil, "", err
		}
		return record, tenantID, nil
	}

	envelope, err := incoming.ParseIngestEnvelope()
	if err != nil {
		return nil, "", err
	}
	return envelope.ToRawRecord(), envelope.TenantID, nil
}
