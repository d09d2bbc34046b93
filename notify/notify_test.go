package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/peterldowns/testy/check"
)

type flakySender struct {
	calls atomic.Int32
	inner Recorder
}

func (s *flakySender) Send(ctx context.Context, msg Message) error {
	if s.calls.Add(1)%2 == 0 {
		return errors.New("smtp unavailable")
	}
	return s.inner.Send(ctx, msg)
}

func TestOutboxDeliversQueuedMessages(t *testing.T) {
	rec := &Recorder{}
	o := NewOutbox(rec, WithWorkers(3), WithQueueSize(10))
	o.Start(context.Background())

	for range 5 {
		o.Notify(context.Background(), "alice", "Outbid", "you were outbid")
	}
	o.Close()

	check.Equal(t, 5, len(rec.For("alice")))
	check.Equal(t, "Outbid", rec.Messages()[0].Title)
}

func TestOutboxSwallowsSendFailures(t *testing.T) {
	sender := &flakySender{}
	o := NewOutbox(sender, WithWorkers(1))
	o.Start(context.Background())

	for range 4 {
		o.Notify(context.Background(), "bob", "t", "m")
	}
	o.Close()

	check.Equal(t, int32(4), sender.calls.Load())
	check.Equal(t, 2, len(sender.inner.Messages()))
}

func TestOutboxDropsWhenFullOrClosed(t *testing.T) {
	rec := &Recorder{}
	o := NewOutbox(rec, WithQueueSize(1))

	// Not started: the second message does not fit.
	o.Notify(context.Background(), "carol", "1", "")
	o.Notify(context.Background(), "carol", "2", "")

	o.Start(context.Background())
	o.Close()
	o.Notify(context.Background(), "carol", "3", "")

	msgs := rec.For("carol")
	check.Equal(t, 1, len(msgs))
	check.Equal(t, "1", msgs[0].Title)
}
