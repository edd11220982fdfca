package eventbus

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

const (
	headerEventID     = "adflow-event-id"
	headerRetryCount  = "adflow-retry-count"
	headerOriginTopic = "adflow-origin-topic"
	headerDLQError    = "adflow-dlq-error"
)

type KafkaProducerConfig struct {
	Brokers    []string
	ClientID   string
	EventTopic string
	RetryTopic string
	DLQTopic   string
}

type KafkaProducer struct {
	writer     *kafka.Writer
	eventTopic string
	retryTopic string
	dlqTopic   string
}

func NewKafkaProducer(cfg KafkaProducerConfig) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}

	return &KafkaProducer{
		writer:     writer,
		eventTopic: cfg.EventTopic,
		retryTopic: cfg.RetryTopic,
		dlqTopic:   cfg.DLQTopic,
	}
}

func (p *KafkaProducer) PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return p.publish(ctx, p.eventTopic, key, value, headers)
}

func (p *KafkaProducer) PublishRetry(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	if p.retryTopic == "" {
		return errors.New("retry topic is not configured")
	}
	return p.publish(ctx, p.retryTopic, key, value, headers)
}

func (p *KafkaProducer) PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	if p.dlqTopic == "" {
		return errors.New("dlq topic is not configured")
	}
	return p.publish(ctx, p.dlqTopic, key, value, headers)
}

// PublishCallback queues a vendor webhook for the callback worker.
func (p *KafkaProducer) PublishCallback(ctx context.Context, cb Callback) error {
	value, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	return p.PublishEvent(ctx, []byte(cb.EventID), value, kafka.Header{Key: headerEventID, Value: []byte(cb.EventID)})
}

func (p *KafkaProducer) publish(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	if topic == "" {
		return errors.New("topic is not configured")
	}

	message := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}

	return p.writer.WriteMessages(ctx, message)
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// Callback is a vendor webhook accepted by the API and handed to the
// callback worker through Kafka.
type Callback struct {
	EventID    string    `json:"event_id"`
	Vendor     string    `json:"vendor"`
	Token      string    `json:"token"`
	Body       []byte    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewCallback derives the event id from the delivery itself, so a vendor
// retrying the same webhook produces the same id.
func NewCallback(vendor, token string, body []byte) Callback {
	sum := sha256.New()
	sum.Write([]byte(vendor))
	sum.Write([]byte{0})
	sum.Write([]byte(token))
	sum.Write([]byte{0})
	sum.Write(body)
	return Callback{
		EventID:    hex.EncodeToString(sum.Sum(nil)),
		Vendor:     vendor,
		Token:      token,
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	}
}

func DecodeCallback(message kafka.Message) (Callback, error) {
	var cb Callback
	if err := json.Unmarshal(message.Value, &cb); err != nil {
		return Callback{}, fmt.Errorf("decode callback: %w", err)
	}
	if cb.Vendor == "" || cb.Token == "" {
		return Callback{}, errors.New("callback is missing vendor or token")
	}
	return cb, nil
}

type KafkaConsumerConfig struct {
	Brokers    []string
	ClientID   string
	GroupID    string
	EventTopic string
	RetryTopic string
	DLQTopic   string
	MaxRetries int
}

type KafkaHandler func(ctx context.Context, message kafka.Message) error

type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Republisher is where failed messages go: the retry topic first, then the
// dead letter topic.
type Republisher interface {
	PublishRetry(ctx context.Context, key, value []byte, headers ...kafka.Header) error
	PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

type KafkaConsumer struct {
	producer   Republisher
	config     KafkaConsumerConfig
	handler    KafkaHandler
	deduper    Deduper
	readers    []MessageReader
	mu         sync.Mutex
	startOnce  sync.Once
	closeOnce  sync.Once
	closedChan chan struct{}
}

func NewKafkaConsumer(cfg KafkaConsumerConfig, producer Republisher, handler KafkaHandler, deduper Deduper) *KafkaConsumer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &KafkaConsumer{
		producer:   producer,
		config:     cfg,
		handler:    handler,
		deduper:    deduper,
		closedChan: make(chan struct{}),
	}
}

func (c *KafkaConsumer) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	c.startOnce.Do(func() {
		readers := c.buildReaders()
		c.mu.Lock()
		c.readers = readers
		c.mu.Unlock()

		for _, reader := range readers {
			go func(r MessageReader) {
				if err := c.consumeLoop(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- err
				}
			}(reader)
		}
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	case <-c.closedChan:
		return nil
	}
}

func (c *KafkaConsumer) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closedChan)
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, reader := range c.readers {
			if err := reader.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
	})

	return closeErr
}

func (c *KafkaConsumer) buildReaders() []MessageReader {
	config := kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		GroupID:  c.config.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		Dialer: &kafka.Dialer{
			ClientID: c.config.ClientID,
		},
	}

	readers := []MessageReader{}
	if c.config.EventTopic != "" {
		cfg := config
		cfg.Topic = c.config.EventTopic
		readers = append(readers, kafka.NewReader(cfg))
	}
	if c.config.RetryTopic != "" {
		cfg := config
		cfg.Topic = c.config.RetryTopic
		readers = append(readers, kafka.NewReader(cfg))
	}

	return readers
}

func (c *KafkaConsumer) consumeLoop(ctx context.Context, reader MessageReader) error {
	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			return err
		}
		if err := c.handleMessage(ctx, message); err != nil {
			return err
		}
		if err := reader.CommitMessages(ctx, message); err != nil {
			return err
		}
	}
}

// handleMessage runs the handler once per event id. A returned error stops
// the consumer without committing.
func (c *KafkaConsumer) handleMessage(ctx context.Context, message kafka.Message) error {
	eventID := extractEventID(message)
	if c.deduper != nil && eventID != "" {
		seen, err := c.deduper.Seen(ctx, eventID)
		if err == nil && seen {
			return nil
		}
	}

	if handlerErr := c.handler(ctx, message); handlerErr != nil {
		return c.handleFailure(ctx, message, handlerErr)
	}
	if c.deduper != nil && eventID != "" {
		_ = c.deduper.MarkSeen(ctx, eventID)
	}
	return nil
}

func (c *KafkaConsumer) handleFailure(ctx context.Context, message kafka.Message, handlerErr error) error {
	if c.producer == nil {
		return handlerErr
	}

	retryCount := retryAttempt(message)
	if retryCount < c.config.MaxRetries && c.config.RetryTopic != "" {
		headers := appendHeaders(message.Headers,
			kafka.Header{Key: headerRetryCount, Value: []byte(strconv.Itoa(retryCount + 1))},
			kafka.Header{Key: headerOriginTopic, Value: []byte(message.Topic)},
		)
		return c.producer.PublishRetry(ctx, message.Key, message.Value, headers...)
	}

	if c.config.DLQTopic != "" {
		payload, err := EncodeDLQPayload(message, handlerErr)
		if err != nil {
			return err
		}
		headers := []kafka.Header{
			{Key: headerOriginTopic, Value: []byte(message.Topic)},
			{Key: headerDLQError, Value: []byte(handlerErr.Error())},
		}
		return c.producer.PublishDLQ(ctx, message.Key, payload, headers...)
	}

	return handlerErr
}

func retryAttempt(message kafka.Message) int {
	for _, header := range message.Headers {
		if header.Key == headerRetryCount {
			count, err := strconv.Atoi(string(header.Value))
			if err == nil {
				return count
			}
			return 0
		}
	}
	return 0
}

func extractEventID(message kafka.Message) string {
	for _, header := range message.Headers {
		if header.Key == headerEventID {
			return string(header.Value)
		}
	}

	if len(message.Key) > 0 {
		return string(message.Key)
	}

	var payload struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(message.Value, &payload); err == nil {
		return payload.EventID
	}

	return ""
}

func appendHeaders(existing []kafka.Header, headers ...kafka.Header) []kafka.Header {
	merged := make([]kafka.Header, 0, len(existing)+len(headers))
	for _, header := range existing {
		if header.Key == headerRetryCount || header.Key == headerOriginTopic {
			continue
		}
		merged = append(merged, header)
	}
	merged = append(merged, headers...)
	return merged
}

type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryDeduper{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

func (d *MemoryDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.cleanupLocked(now)

	seenAt, ok := d.entries[eventID]
	if !ok {
		return false, nil
	}
	if now.Sub(seenAt) > d.ttl {
		delete(d.entries, eventID)
		return false, nil
	}
	return true, nil
}

func (d *MemoryDeduper) MarkSeen(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries[eventID] = time.Now()
	return nil
}

func (d *MemoryDeduper) cleanupLocked(now time.Time) {
	for eventID, seenAt := range d.entries {
		if now.Sub(seenAt) > d.ttl {
			delete(d.entries, eventID)
		}
	}
}

// RedisDeduper shares seen event ids between callback worker replicas.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) key(eventID string) string {
	return "adflow:dedupe:" + eventID
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	n, err := d.client.Exists(ctx, d.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) MarkSeen(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	return d.client.Set(ctx, d.key(eventID), time.Now().Unix(), d.ttl).Err()
}

type DLQPayload struct {
	OriginTopic string            `json:"origin_topic"`
	Partition   int               `json:"partition"`
	Offset      int64             `json:"offset"`
	Key         string            `json:"key"`
	Headers     map[string]string `json:"headers"`
	Value       string            `json:"value"`
	Error       string            `json:"error"`
	FailedAt    time.Time         `json:"failed_at"`
}

func EncodeDLQPayload(message kafka.Message, err error) ([]byte, error) {
	headers := make(map[string]string, len(message.Headers))
	for _, header := range message.Headers {
		headers[header.Key] = string(header.Value)
	}

	payload := DLQPayload{
		OriginTopic: message.Topic,
		Partition:   message.Partition,
		Offset:      message.Offset,
		Key:         string(message.Key),
		Headers:     headers,
		Value:       base64.StdEncoding.EncodeToString(message.Value),
		Error:       err.Error(),
		FailedAt:    time.Now(),
	}

	return json.Marshal(payload)
}
