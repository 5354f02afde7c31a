package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chess-club/federation-api/internal/ports/out/events"
)

const DefaultTopic = "federation.transitions"

// Publisher produces one record per transition, keyed by member id so a member's
// transitions stay ordered within a partition.
type Publisher struct {
	client *kgo.Client
	topic  string
}

type Options struct {
	Brokers  []string
	Topic    string
	ClientID string
}

func New(opts Options) (*Publisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(opts.Brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if opts.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(opts.ClientID))
	}
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Ping checks that at least one broker is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Publisher) Publish(ctx context.Context, t events.Transition) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(t.MemberID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event-id", Value: []byte(t.ID)},
			{Key: "operation", Value: []byte(t.Operation)},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce transition %s: %w", t.ID, err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.client.Close()
}
