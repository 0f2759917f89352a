package mirror

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const int64Max = 1<<63 - 1

// Outcomes passed to RetryOptions.Observe.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
)

// RetryOptions tunes the Retrier.
type RetryOptions struct {
	QueueSize   int
	MaxAttempts int
	SlotTime    time.Duration
	MaxBackoff  time.Duration
	// Observe, when set, is called once per attempt outcome.
	Observe func(op, outcome string)
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.SlotTime <= 0 {
		o.SlotTime = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Backoff returns a random delay in [0, 2^retries) slots capped at maximum.
func Backoff(retries int64, slotTime, maximum time.Duration) (backoff time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			backoff = maximum
		}
	}()
	if slotTime <= 0 || retries <= 0 {
		return 0
	}
	if retries >= 63 {
		return maximum
	}
	umax := uint64(1) << retries
	if umax > int64Max {
		return maximum
	}
	n := rand.Int63n(int64(umax)) //nolint:gosec // jitter only
	if uint64(slotTime.Nanoseconds())*uint64(n) > int64Max {
		return maximum
	}
	backoff = time.Duration(n) * slotTime
	if backoff > maximum {
		backoff = maximum
	}
	return backoff
}

type retryOp string

const (
	opUpsert retryOp = "upsert"
	opDelete retryOp = "delete"
)

type retryTask struct {
	op  retryOp
	doc Document
	id  string
}

// Retrier replays failed mirror writes in the background. Writes that
// exhaust their attempts are dropped and left for the reconciler.
type Retrier struct {
	mirror Mirror
	opts   RetryOptions
	logger *zap.Logger

	queue chan retryTask
	mu    sync.Mutex
	busy  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetrier constructs a retrier for m. Call Start before enqueueing.
func NewRetrier(m Mirror, opts RetryOptions, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Retrier{
		mirror: m,
		opts:   opts,
		logger: logger.Named("mirror-retrier"),
		queue:  make(chan retryTask, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing queued writes.
func (r *Retrier) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop signals the worker to halt and waits for it to finish. Writes still
// queued are dropped and logged.
func (r *Retrier) Stop(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.drain(0)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueUpsert schedules doc to be written again. It returns false when
// the queue is full.
func (r *Retrier) EnqueueUpsert(doc Document) bool {
	return r.enqueue(retryTask{op: opUpsert, doc: doc.clone(), id: doc.ID()})
}

// EnqueueDelete schedules the removal of a document.
func (r *Retrier) EnqueueDelete(id string) bool {
	return r.enqueue(retryTask{op: opDelete, id: id})
}

func (r *Retrier) enqueue(task retryTask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		r.logger.Warn("retrier stopped, dropping mirror write", zap.String("op", string(task.op)), zap.String("id", task.id))
		r.observe(task.op, OutcomeDropped)
		return false
	}
	select {
	case r.queue <- task:
		r.busy++
		return true
	default:
		r.logger.Warn("retry queue full, dropping mirror write", zap.String("op", string(task.op)), zap.String("id", task.id))
		r.observe(task.op, OutcomeDropped)
		return false
	}
}

// Pending reports queued or in-flight writes.
func (r *Retrier) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func (r *Retrier) loop() {
	defer r.wg.Done()
	interrupted := 0
	for {
		select {
		case <-r.ctx.Done():
			r.drain(interrupted)
			return
		case task := <-r.queue:
			if !r.process(task) {
				interrupted++
			}
			r.mu.Lock()
			r.busy--
			r.mu.Unlock()
		}
	}
}

// drain empties the queue after a stop. extra counts in-flight writes that
// were abandoned mid-backoff.
func (r *Retrier) drain(extra int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := extra
	for len(r.queue) > 0 {
		task := <-r.queue
		r.busy--
		dropped++
		r.observe(task.op, OutcomeDropped)
	}
	if dropped > 0 {
		r.logger.Warn("retrier stopped with pending mirror writes; run `kobocat mirror status --repair` to reconcile",
			zap.Int("dropped", dropped))
	}
}

// process reports false when the retrier stopped before the write settled.
func (r *Retrier) process(task retryTask) bool {
	log := r.logger.With(zap.String("op", string(task.op)), zap.String("id", task.id))
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		err := r.apply(task)
		if err == nil {
			r.observe(task.op, OutcomeSucceeded)
			return true
		}
		if errors.Is(err, ErrInvalidDocument) || attempt == r.opts.MaxAttempts {
			log.Error("giving up on mirror write", zap.Int("attempts", attempt), zap.Error(err))
			r.observe(task.op, OutcomeDropped)
			return true
		}
		r.observe(task.op, OutcomeRetried)
		wait := Backoff(int64(attempt), r.opts.SlotTime, r.opts.MaxBackoff)
		log.Debug("mirror write failed, backing off", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			r.observe(task.op, OutcomeDropped)
			return false
		case <-timer.C:
		}
	}
	return true
}

func (r *Retrier) apply(task retryTask) error {
	switch task.op {
	case opDelete:
		return r.mirror.Delete(r.ctx, task.id)
	default:
		return r.mirror.Upsert(r.ctx, task.doc)
	}
}

func (r *Retrier) observe(op retryOp, outcome string) {
	if r.opts.Observe != nil {
		r.opts.Observe(string(op), outcome)
	}
}
