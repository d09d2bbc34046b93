// Package notify dispatches user-facing messages after state transitions
// commit. Delivery is fire-and-forget: failures are logged, never returned.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Message is a single notification for an account.
type Message struct {
	AccountID string    `json:"account_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Notifier queues a message for an account without blocking on delivery.
type Notifier interface {
	Notify(ctx context.Context, accountID, title, message string)
}

// Sender delivers a message through an external channel (email, push, chat).
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type discard struct{}

func (discard) Notify(context.Context, string, string, string) {}

// Discard drops every message.
var Discard Notifier = discard{}

// LogSender writes messages to the logger. Used when no delivery channel is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		slog.String("account_id", msg.AccountID),
		slog.String("title", msg.Title),
		slog.String("body", msg.Body))
	return nil
}

// Outbox is a bounded queue drained by background workers.
type Outbox struct {
	sender  Sender
	queue   chan Message
	workers int
	logger  *slog.Logger
	now     func() time.Time

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithQueueSize bounds the number of undelivered messages.
func WithQueueSize(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.queue = make(chan Message, n)
		}
	}
}

// WithWorkers sets how many goroutines deliver messages.
func WithWorkers(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithLogger sets the outbox logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) {
		o.logger = logger
	}
}

// NewOutbox creates an outbox delivering through sender. Call Start to begin draining.
func NewOutbox(sender Sender, opts ...Option) *Outbox {
	o := &Outbox{
		sender:  sender,
		queue:   make(chan Message, 256),
		workers: 2,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the delivery workers. They exit after Close drains the queue.
func (o *Outbox) Start(ctx context.Context) {
	for range o.workers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for msg := range o.queue {
				o.deliver(context.WithoutCancel(ctx), msg)
			}
		}()
	}
}

func (o *Outbox) deliver(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("notification sender panicked", slog.Any("panic", r), slog.String("account_id", msg.AccountID))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := o.sender.Send(ctx, msg); err != nil {
		o.logger.Warn("notification delivery failed",
			slog.String("account_id", msg.AccountID),
			slog.String("title", msg.Title),
			slog.Any("error", err))
	}
}

// Notify enqueues a message. A full or closed queue drops the message with a warning.
func (o *Outbox) Notify(_ context.Context, accountID, title, message string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.logger.Warn("notification dropped: outbox closed", slog.String("account_id", accountID), slog.String("title", title))
		return
	}

	msg := Message{AccountID: accountID, Title: title, Body: message, QueuedAt: o.now()}
	select {
	case o.queue <- msg:
	default:
		o.logger.Warn("notification dropped: queue full", slog.String("account_id", accountID), slog.String("title", title))
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.queue)
		o.mu.Unlock()
	})
	o.wg.Wait()
}

// Recorder keeps every message in memory. Useful in tests and local runs.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(_ context.Context, accountID, title, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{AccountID: accountID, Title: title, Body: message})
}

func (r *Recorder) Send(ctx context.Context, msg Message) error {
	r.Notify(ctx, msg.AccountID, msg.Title, msg.Body)
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// For returns messages addressed to accountID.
func (r *Recorder) For(accountID string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.AccountID == accountID {
			out = append(out, m)
		}
	}
	return out
}
