package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vehiclecheck/internal/domain"
	"vehiclecheck/internal/telemetry"
)

type PublisherConfig struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

// Publisher hands records to the sink on background workers. Emit never blocks.
type Publisher struct {
	sink     Sink
	cfg      PublisherConfig
	queue    chan domain.AuditRecord
	log      *zap.Logger
	recorder *telemetry.Recorder

	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewPublisher(sink Sink, cfg PublisherConfig, log *zap.Logger, recorder *telemetry.Recorder) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{
		sink:     sink,
		cfg:      cfg,
		queue:    make(chan domain.AuditRecord, cfg.QueueSize),
		log:      log.Named("audit"),
		recorder: recorder,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Emit enqueues rec. It returns ErrQueueFull when the queue is saturated or closed.
func (p *Publisher) Emit(_ context.Context, rec domain.AuditRecord) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueFull
	}
	select {
	case p.queue <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for rec := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		if err := p.sink.Write(ctx, rec); err != nil {
			p.log.Warn("audit: write failed",
				zap.String("sink", p.sink.Name()),
				zap.String("id", rec.ID),
				zap.Error(err))
			p.recorder.Absorbed(ctx, telemetry.BoundaryAuditStore)
		}
		cancel()
	}
}

// Close stops accepting records and waits for queued ones until ctx is done.
func (p *Publisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
