// Package redpanda publishes file-ready notifications to a Redpanda/Kafka
// topic so downstream loaders pick up rotated event files.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/cdesk/warehouse-gateway/internal/adapter/observability"
	"github.com/cdesk/warehouse-gateway/internal/domain"
)

// DefaultTopic is where file-ready notifications land unless configured
// otherwise.
const DefaultTopic = "cdesk-file-ready"

// Publisher implements domain.UploadNotifier over a Kafka-compatible broker.
// Delivery is at-least-once: the queue side already dedupes on replay, so a
// doubled notification is harmless.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to the brokers and ensures the topic exists. Topic
// creation failure is logged, not fatal; the broker may disallow
// auto-creation while the topic already exists.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewPublisher: no seed brokers")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewPublisher: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic); err != nil {
		slog.Warn("file-ready topic ensure failed",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	slog.Info("file-ready publisher connected",
		slog.Any("brokers", brokers),
		slog.String("topic", topic))
	return &Publisher{client: client, topic: topic}, nil
}

// NotifyFileReady implements domain.UploadNotifier. Transient produce
// failures retry with exponential backoff until the context gives up.
func (p *Publisher) NotifyFileReady(ctx context.Context, f domain.FileReady) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("op=redpanda.NotifyFileReady marshal: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(filepath.Base(f.Path)),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "schema", Value: []byte("cdesk.file-ready.v1")},
		},
	}

	op := func() error {
		if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("produce: %w", err)
		}
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return fmt.Errorf("op=redpanda.NotifyFileReady path=%s: %w", f.Path, err)
	}

	observability.RecordFileReadyPublished()
	slog.Info("file-ready published",
		slog.String("path", f.Path),
		slog.Int64("records", f.Records),
		slog.Int64("bytes", f.Bytes))
	return nil
}

// Close flushes and releases the client.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}

// ensureTopic issues a CreateTopics request and tolerates the topic already
// existing (Kafka error code 36).
func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = 1
	topicReq.ReplicationFactor = 1
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=redpanda.ensureTopic: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=redpanda.ensureTopic: unexpected response type %T", resp)
	}
	for _, tr := range createResp.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == 36 {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("op=redpanda.ensureTopic: %s (code %d)", msg, tr.ErrorCode)
	}
	return nil
}

var _ domain.UploadNotifier = (*Publisher)(nil)
