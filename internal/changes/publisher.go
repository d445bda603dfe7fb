package changes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/tileindex/internal/core/observability"
)

const DefaultQueueSize = 1024

// ProducerConfig is the sarama configuration publishers run with.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return cfg
}

// Publisher hands events to an async producer through a bounded queue.
// Events for one dataset share a message key and so a partition.
type Publisher struct {
	topic string
	prod  sarama.AsyncProducer
	log   *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan Event

	stopped  chan struct{}
	errsDone chan struct{}
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	prod, err := sarama.NewAsyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("changes: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer wraps an existing producer. The publisher owns it and
// closes it on Close.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:    topic,
		prod:     prod,
		log:      log,
		events:   make(chan Event, queueSize),
		stopped:  make(chan struct{}),
		errsDone: make(chan struct{}),
	}
	go p.run()
	go p.drainErrors()
	return p
}

func (p *Publisher) run() {
	defer close(p.stopped)
	for ev := range p.events {
		b, err := json.Marshal(ev)
		if err != nil {
			p.log.Warn("change event marshal failed", "op", ev.Op, "dataset", ev.Dataset, "err", err)
			observability.IncChangeEvent(ev.Op, "error")
			continue
		}
		p.prod.Input() <- &sarama.ProducerMessage{
			Topic:    p.topic,
			Key:      sarama.StringEncoder(ev.Dataset),
			Value:    sarama.ByteEncoder(b),
			Metadata: ev.Op,
		}
		observability.IncChangeEvent(ev.Op, "sent")
	}
}

func (p *Publisher) drainErrors() {
	defer close(p.errsDone)
	for perr := range p.prod.Errors() {
		if perr == nil {
			continue
		}
		op, _ := perr.Msg.Metadata.(string)
		observability.IncChangeEvent(op, "error")
		p.log.Warn("change event not delivered", "topic", perr.Msg.Topic, "op", op, "err", perr.Err)
	}
}

// Publish queues ev without blocking. When the queue is full, or the
// publisher is closed, the event is dropped.
func (p *Publisher) Publish(_ context.Context, ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		observability.IncChangeEvent(ev.Op, "dropped")
		return
	}
	select {
	case p.events <- ev:
	default:
		observability.IncChangeEvent(ev.Op, "dropped")
	}
}

// Close flushes queued events and closes the producer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.stopped
	err := p.prod.Close()
	<-p.errsDone
	if err != nil {
		return fmt.Errorf("changes: close producer: %w", err)
	}
	return nil
}
