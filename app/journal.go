package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// JournalConfig configures the event journal.
type JournalConfig struct {
	QueueSize     int           // bounded queue length (default: 10000)
	BatchSize     int           // events per append (default: 500)
	FlushInterval time.Duration // max time an event waits in a batch (default: 1s)
	WriteTimeout  time.Duration // per-append timeout (default: 10s)
}

func (c JournalConfig) withDefaults() JournalConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Journal buffers accepted events in a bounded queue and appends them to
// the event log in batches from a single goroutine. While an append is
// failing the journal stops draining the queue, so a stuck log surfaces
// as back-pressure on ingestion instead of unbounded memory.
type Journal struct {
	log     ports.EventLog
	logger  zerolog.Logger
	metrics ports.Metrics
	cfg     JournalConfig

	queue     chan usage.Event
	flushReq  chan chan error
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewJournal creates a journal and starts its flush loop.
func NewJournal(log ports.EventLog, cfg JournalConfig, logger zerolog.Logger, metrics ports.Metrics) *Journal {
	cfg = cfg.withDefaults()
	j := &Journal{
		log:      log,
		logger:   logger,
		metrics:  orNop(metrics),
		cfg:      cfg,
		queue:    make(chan usage.Event, cfg.QueueSize),
		flushReq: make(chan chan error),
		stopCh:   make(chan struct{}),
	}
	j.wg.Add(1)
	go j.flushLoop()
	return j
}

// TryEnqueue queues an event without blocking. It reports false when the
// queue is full.
func (j *Journal) TryEnqueue(e usage.Event) bool {
	select {
	case j.queue <- e:
		return true
	default:
		return false
	}
}

// Depth returns the number of queued events.
func (j *Journal) Depth() int {
	return len(j.queue)
}

// Flush appends everything queued so far and waits for the result.
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case j.flushReq <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-j.stopCh:
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) flushLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]usage.Event, 0, j.cfg.BatchSize)
	failing := false

	write := func() error {
		if len(batch) == 0 {
			failing = false
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), j.cfg.WriteTimeout)
		err := j.log.Append(ctx, batch)
		cancel()
		j.metrics.JournalFlush(len(batch), err)
		if err != nil {
			failing = true
			j.logger.Error().Err(err).Int("events", len(batch)).Msg("journal append failed, will retry")
			return err
		}
		failing = false
		batch = batch[:0]
		return nil
	}

	drain := func() {
		for {
			select {
			case e := <-j.queue:
				batch = append(batch, e)
			default:
				return
			}
		}
	}

	for {
		in := j.queue
		if failing || len(batch) >= j.cfg.BatchSize {
			in = nil
		}
		select {
		case e := <-in:
			batch = append(batch, e)
			if len(batch) >= j.cfg.BatchSize {
				_ = write()
			}
		case <-ticker.C:
			_ = write()
			j.metrics.JournalDepth(len(j.queue))
		case done := <-j.flushReq:
			err := write()
			if err == nil {
				drain()
				err = write()
			}
			done <- err
		case <-j.stopCh:
			drain()
			if err := write(); err != nil {
				j.logger.Error().Err(err).Int("events", len(batch)).Msg("journal closed with unwritten events")
			}
			return
		}
	}
}

// Close stops the flush loop after a final append.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		close(j.stopCh)
		j.wg.Wait()
	})
	return nil
}
