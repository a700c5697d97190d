package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// KafkaForwarder forwards terminal submission events to a Kafka topic for
// the external notifier. Delivery is fire-and-forget from the bus's point of
// view: a broker outage is logged, never allowed to block event dispatch.
type KafkaForwarder struct {
	cl    *kgo.Client
	topic string
	log   *zap.Logger
	subs  []*Subscription
}

// NewKafkaForwarder connects to the brokers and ensures the topic exists.
func NewKafkaForwarder(ctx context.Context, brokers []string, topic string, log *zap.Logger) (*KafkaForwarder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	adm := kadm.NewClient(cl)
	resp, err := adm.CreateTopics(ctx, 1, 1, nil, topic)
	if err != nil {
		cl.Close()
		return nil, fmt.Errorf("ensure topic %q: %w", topic, err)
	}
	for _, r := range resp.Sorted() {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			cl.Close()
			return nil, fmt.Errorf("ensure topic %q: %w", topic, r.Err)
		}
	}

	return &KafkaForwarder{cl: cl, topic: topic, log: log}, nil
}

// Attach subscribes the forwarder to terminal submission outcomes.
func (f *KafkaForwarder) Attach(bus *Bus) {
	f.subs = append(f.subs,
		bus.Subscribe(KindTxConfirmed, f.forward),
		bus.Subscribe(KindTxFailed, f.forward),
	)
}

func (f *KafkaForwarder) forward(ev Event) {
	val, err := json.Marshal(ev)
	if err != nil {
		f.log.Error("marshal event for kafka", zap.Error(err), zap.String("event_id", ev.ID))
		return
	}
	rec := &kgo.Record{
		Topic: f.topic,
		Key:   []byte(ev.SubmissionID),
		Value: val,
	}
	f.cl.Produce(context.Background(), rec, func(_ *kgo.Record, err error) {
		if err != nil {
			f.log.Error("forward event to kafka",
				zap.Error(err),
				zap.String("event_id", ev.ID),
				zap.String("kind", string(ev.Kind)))
		}
	})
}

// Close cancels the bus registrations and flushes pending records. Records
// still buffered when the flush window closes are dropped.
func (f *KafkaForwarder) Close() {
	for _, s := range f.subs {
		s.Cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = f.cl.Flush(ctx)
	f.cl.Close()
}
