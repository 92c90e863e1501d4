package ingestor

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"ignition-scanner/internal/barstore"
	"ignition-scanner/internal/metrics"
)

// barJob is one bar-write task offloaded from the feed callback.
type barJob struct {
	symbol string
	bar    barstore.Bar
}

// writerPool offloads barstore writes off the feed's I/O path, grounded
// on the teacher's amqp.MessageHandler: a bounded buffered channel plus a
// small fixed pool of worker goroutines, with a full buffer discarding
// the newest write rather than blocking the feed callback.
type writerPool struct {
	bars    BarWriter
	metrics *metrics.Registry
	log     *logrus.Entry

	jobs    chan barJob
	workers int
	keep    int

	wg   sync.WaitGroup
	done chan struct{}
}

func newWriterPool(bars BarWriter, reg *metrics.Registry, log *logrus.Entry, workers, buffer, keep int) *writerPool {
	return &writerPool{
		bars:    bars,
		metrics: reg,
		log:     log,
		jobs:    make(chan barJob, buffer),
		workers: workers,
		keep:    keep,
		done:    make(chan struct{}),
	}
}

func (p *writerPool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *writerPool) stop() {
	close(p.done)
	p.wg.Wait()
}

func (p *writerPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			if err := p.bars.PushBar(ctx, job.symbol, job.bar, p.keep); err != nil {
				if errors.Is(err, barstore.ErrOutOfOrder) {
					if p.metrics != nil {
						p.metrics.InvariantViolations.WithLabelValues("out_of_order_bar").Inc()
					}
					p.log.WithField("symbol", job.symbol).Warn("dropped out-of-order bar")
					continue
				}
				p.log.WithError(err).WithField("symbol", job.symbol).Warn("failed to write bar")
				continue
			}
			if p.metrics != nil {
				p.metrics.BarsIngested.WithLabelValues(job.symbol).Inc()
			}
		}
	}
}

// enqueue submits job without blocking; a full buffer drops the write
// and logs, matching the teacher's "discard rather than stall the feed"
// posture under backpressure.
func (p *writerPool) enqueue(job barJob) {
	select {
	case p.jobs <- job:
	case <-p.done:
	default:
		p.log.WithField("symbol", job.symbol).Warn("writer pool backpressured, dropping bar")
	}
}
