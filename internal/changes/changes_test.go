package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/paulmach/orb"
)

func TestEventValidate(t *testing.T) {
	b := orb.Bound{Min: orb.Point{1, 2}, Max: orb.Point{3, 4}}
	good := New(OpInsert, "parks", "a", &b)
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if *good.BBox != (BBox{1, 2, 3, 4}) {
		t.Fatalf("bbox = %v", *good.BBox)
	}

	bad := []Event{
		{Version: 2, Op: OpInsert, Dataset: "d", FeatureID: "a", TS: time.Now()},
		{Version: 1, Op: "merge", Dataset: "d", FeatureID: "a", TS: time.Now()},
		{Version: 1, Op: OpDelete, Dataset: " ", FeatureID: "a", TS: time.Now()},
		{Version: 1, Op: OpDelete, Dataset: "d", TS: time.Now()},
		{Version: 1, Op: OpDelete, Dataset: "d", FeatureID: "a"},
		{Version: 1, Op: OpDelete, Dataset: "d", FeatureID: "a", TS: time.Now(), BBox: &BBox{0, 10, 1, 5}},
	}
	for i, ev := range bad {
		if err := ev.Validate(); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("case %d: Validate = %v, want ErrInvalidEvent", i, err)
		}
	}
}

func TestPublisherSendsKeyedEvents(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, ProducerConfig())
	for _, op := range []string{OpInsert, OpUpdate, OpDelete} {
		prod.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			key, _ := msg.Key.Encode()
			if string(key) != "parks" {
				return fmt.Errorf("key = %q", key)
			}
			val, _ := msg.Value.Encode()
			var ev Event
			if err := json.Unmarshal(val, &ev); err != nil {
				return err
			}
			if ev.Op != op || ev.FeatureID != "a" || msg.Topic != "changes" {
				return fmt.Errorf("unexpected event %+v on %s", ev, msg.Topic)
			}
			return nil
		})
	}

	p := NewWithProducer(prod, "changes", 8, nil)
	ctx := context.Background()
	p.Publish(ctx, New(OpInsert, "parks", "a", nil))
	p.Publish(ctx, New(OpUpdate, "parks", "a", nil))
	p.Publish(ctx, New(OpDelete, "parks", "a", nil))
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// publishing after close is a dropped event, not a panic
	p.Publish(ctx, New(OpInsert, "parks", "b", nil))
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPublisherSurvivesDeliveryErrors(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, ProducerConfig())
	prod.ExpectInputAndFail(errors.New("broker down"))
	prod.ExpectInputAndSucceed()

	p := NewWithProducer(prod, "changes", 8, nil)
	p.Publish(context.Background(), New(OpInsert, "parks", "a", nil))
	p.Publish(context.Background(), New(OpInsert, "parks", "b", nil))
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(string, int32, int64, string) {}
func (s *sess) MarkOffset(string, int32, int64, string)  {}
func (s *sess) Context() context.Context                 { return s.ctx }
func (s *sess) Commit()                                  {}

type claim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "changes" }
func (c *claim) Partition() int32                         { return 0 }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func message(offset int64, ev Event) *sarama.ConsumerMessage {
	b, _ := json.Marshal(ev)
	return &sarama.ConsumerMessage{Topic: "changes", Offset: offset, Value: b}
}

func TestConsumeClaimMarksAfterHandling(t *testing.T) {
	var got []string
	c := NewConsumer(DefaultConsumerConfig([]string{"x"}, "changes", "g"), func(_ context.Context, ev Event) error {
		got = append(got, ev.Op+":"+ev.FeatureID)
		return nil
	}, nil)

	ch := make(chan *sarama.ConsumerMessage, 3)
	ch <- message(10, New(OpInsert, "parks", "a", nil))
	ch <- &sarama.ConsumerMessage{Topic: "changes", Offset: 11, Value: []byte("{not json")}
	ch <- message(12, New(OpDelete, "parks", "a", nil))
	close(ch)

	s := &sess{ctx: t.Context()}
	g := &groupHandler{process: c.ProcessOne}
	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if fmt.Sprint(s.marked) != "[10 11 12]" {
		t.Fatalf("marked = %v", s.marked)
	}
	if fmt.Sprint(got) != "[insert:a delete:a]" {
		t.Fatalf("handled = %v", got)
	}
}

func TestConsumeClaimStopsOnHandlerError(t *testing.T) {
	c := NewConsumer(ConsumerConfig{}, func(context.Context, Event) error {
		return errors.New("store unavailable")
	}, nil)
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- message(5, New(OpUpdate, "parks", "a", nil))
	close(ch)

	s := &sess{ctx: t.Context()}
	g := &groupHandler{process: c.ProcessOne}
	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err == nil {
		t.Fatal("ConsumeClaim succeeded despite handler error")
	}
	if len(s.marked) != 0 {
		t.Fatalf("failed message was marked: %v", s.marked)
	}
}

func TestStartWithoutHandler(t *testing.T) {
	if err := NewConsumer(ConsumerConfig{}, nil, nil).Start(context.Background()); err == nil {
		t.Fatal("Start without handler succeeded")
	}
}
