// Package pipeline is the fire-and-forget hand-off between fetch cycles and
// classification. Emit enqueues without waiting for classification; a fixed
// worker pool classifies, notifies significant messages and records every
// message in the CSV backups.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/classify"
	"github.com/BTreeMap/ChannelPipe/internal/models"
)

// Defaults for the queue
const (
	// DefaultChannelTimeout bounds how long Emit waits for room in the queue
	DefaultChannelTimeout = 1 * time.Second
	DefaultBuffer         = 256
	DefaultWorkers        = 2
	// DefaultNotifyTimeout bounds one notification
	DefaultNotifyTimeout = 15 * time.Second
)

var (
	// ErrQueueFull is returned when the queue stays full past the enqueue timeout.
	ErrQueueFull = errors.New("classification queue full")
	// ErrQueueClosed is returned after Stop.
	ErrQueueClosed = errors.New("classification queue closed")
)

// Classifier assigns a verdict.
type Classifier interface {
	Classify(ctx context.Context, msg models.RetrievedMessage) models.Classification
}

// Notifier announces significant messages.
type Notifier interface {
	NotifySignificant(ctx context.Context, c models.Classification) error
}

// BackupWriter records classified messages.
type BackupWriter interface {
	Write(c models.Classification) error
}

// Observer is told about classifications and drops.
type Observer interface {
	ObserveClassification(c models.Classification)
	HandoffDropped()
}

// Opts holds configuration for a Queue.
type Opts struct {
	Buffer         int
	Workers        int
	EnqueueTimeout time.Duration
	NotifyTimeout  time.Duration
	Notifier       Notifier
	Backup         BackupWriter
	Observer       Observer
	Logger         *slog.Logger
}

// Option defines a configuration option for the Queue.
type Option func(*Opts)

// WithBuffer sets the queue capacity.
func WithBuffer(n int) Option {
	return func(o *Opts) { o.Buffer = n }
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// WithEnqueueTimeout bounds how long Emit waits for room.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(o *Opts) { o.EnqueueTimeout = d }
}

// WithNotifier sets the notifier for significant messages.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithBackup sets the backup writer.
func WithBackup(b BackupWriter) Option {
	return func(o *Opts) { o.Backup = b }
}

// WithObserver sets the observer.
func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observer = obs }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opts) { o.Logger = logger }
}

// Queue hands messages to classification workers.
type Queue struct {
	classifier Classifier
	opts       Opts
	logger     *slog.Logger
	work       chan models.RetrievedMessage

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewQueue creates a stopped Queue.
func NewQueue(classifier Classifier, opts ...Option) *Queue {
	o := Opts{
		Buffer:         DefaultBuffer,
		Workers:        DefaultWorkers,
		EnqueueTimeout: DefaultChannelTimeout,
		NotifyTimeout:  DefaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Buffer < 0 {
		o.Buffer = 0
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		classifier: classifier,
		opts:       o,
		logger:     logger.With("component", "pipeline"),
		work:       make(chan models.RetrievedMessage, o.Buffer),
	}
}

// Start launches the workers. Workers stop when ctx ends or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info("Classification workers started", "workers", q.opts.Workers, "buffer", q.opts.Buffer)
}

// Emit enqueues msg. It waits at most the enqueue timeout and drops the
// message with ErrQueueFull when the queue stays full.
func (q *Queue) Emit(ctx context.Context, msg models.RetrievedMessage) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.work <- msg:
		q.logger.Debug("Message handed off", "channel", msg.ChannelID, "message_id", msg.MessageID)
		return nil
	case <-time.After(q.opts.EnqueueTimeout):
		q.logger.Warn("Classification queue blocked, dropping message", "channel", msg.ChannelID, "message_id", msg.MessageID, "timeout", q.opts.EnqueueTimeout)
		if q.opts.Observer != nil {
			q.opts.Observer.HandoffDropped()
		}
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.work)
}

// Stop closes the queue and waits for workers to drain it or ctx to end.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.work)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("Classification workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q.work:
			if !ok {
				return
			}
			q.handle(ctx, msg, id)
		}
	}
}

// handle processes one message. Failures are logged; messages are never re-queued.
func (q *Queue) handle(ctx context.Context, msg models.RetrievedMessage, worker int) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Panic while handling message", "worker", worker, "channel", msg.ChannelID, "message_id", msg.MessageID, "panic", r)
		}
	}()

	var c models.Classification
	if msg.IsEmpty() {
		// Empty payloads are recorded but never classified
		c = models.Classification{Message: msg, Verdict: models.VerdictTrivial, Source: classify.SourceEmpty, Reason: "empty payload"}
	} else {
		c = q.classifier.Classify(ctx, msg)
	}
	if q.opts.Observer != nil {
		q.opts.Observer.ObserveClassification(c)
	}

	if c.Verdict == models.VerdictSignificant && q.opts.Notifier != nil {
		nctx, cancel := context.WithTimeout(ctx, q.opts.NotifyTimeout)
		if err := q.opts.Notifier.NotifySignificant(nctx, c); err != nil {
			q.logger.Error("Failed to notify significant message", "channel", msg.ChannelID, "message_id", msg.MessageID, "error", err)
		}
		cancel()
	}

	if q.opts.Backup != nil {
		if err := q.opts.Backup.Write(c); err != nil {
			q.logger.Error("Failed to write backup record", "channel", msg.ChannelID, "message_id", msg.MessageID, "error", err)
		}
	}

	q.logger.Debug("Message classified", "worker", worker, "channel", msg.ChannelID, "message_id", msg.MessageID, "verdict", c.Verdict, "source", c.Source)
}
