package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries all unlock notifications; the lock key travels as
// the message key since lock keys are not valid topic names.
const DefaultKafkaTopic = "lockable.events"

// KafkaBus implements Bus using a Kafka backend.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	topic     string
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	pcs       []sarama.PartitionConsumer
	published uint64
	delivered uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. An
// empty topic selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b, err := newKafkaBus(producer, consumer, topic)
	if err != nil {
		_ = producer.Close()
		_ = consumer.Close()
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

func newKafkaBus(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) (*KafkaBus, error) {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	b := &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		subs:     make(map[string][]chan struct{}),
	}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		return nil, err
	}
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			b.closeConsumers()
			return nil, err
		}
		b.pcs = append(b.pcs, pc)
		go b.dispatch(pc)
	}
	return b, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder("1"),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.mu.Lock()
		fanout(b.subs[string(msg.Key)], &b.delivered)
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, removed := removeChan(b.subs[key], ch)
	if !removed {
		return nil
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

func (b *KafkaBus) closeConsumers() {
	for _, pc := range b.pcs {
		_ = pc.Close()
	}
	b.pcs = nil
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.closeConsumers()
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
