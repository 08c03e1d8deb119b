package engine

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// progressTracker logs batch progress at a fixed cadence: every 10 items
// or every 10% of the total, whichever is sparser. Purely observational;
// nothing reads its state back.
type progressTracker struct {
	operation string
	total     int
	interval  int
	start     time.Time
	logger    Logger

	mu   sync.Mutex
	done int
}

func newProgressTracker(operation string, total int, logger Logger) *progressTracker {
	interval := total / 10
	if interval < 10 {
		interval = 10
	}

	return &progressTracker{
		operation: operation,
		total:     total,
		interval:  interval,
		start:     time.Now(),
		logger:    logger,
	}
}

func (p *progressTracker) completed(key string) {
	p.mu.Lock()
	p.done++
	done := p.done
	p.mu.Unlock()

	if done%p.interval != 0 && done != p.total {
		return
	}

	elapsed := time.Since(p.start)
	fields := []interface{}{
		"operation", p.operation,
		"done", done,
		"total", p.total,
		"percent", done * 100 / p.total,
		"elapsed", elapsed.Round(time.Second).String(),
	}
	if done > 0 && done < p.total {
		remaining := time.Duration(float64(elapsed) / float64(done) * float64(p.total-done))
		fields = append(fields, "eta", humanize.Time(time.Now().Add(remaining)))
	}
	p.logger.Info("progress", fields...)
}

func logSummary(logger Logger, operation string, s Summary) {
	fields := []interface{}{
		"operation", operation,
		"total", humanize.Comma(int64(s.Total)),
		"succeeded", humanize.Comma(int64(s.Succeeded)),
		"failed", s.Failed(),
		"duration", s.Duration.Round(time.Millisecond).String(),
	}
	if s.Timeouts > 0 {
		fields = append(fields, "timeouts", s.Timeouts)
	}
	if s.TransportErrors > 0 {
		fields = append(fields, "transport_errors", s.TransportErrors)
	}
	if s.DomainErrors > 0 {
		fields = append(fields, "domain_errors", s.DomainErrors)
	}
	if s.UnexpectedErrors > 0 {
		fields = append(fields, "unexpected_errors", s.UnexpectedErrors)
	}

	if s.Failed() > 0 {
		logger.Warn("batch finished with failures", fields...)
	} else {
		logger.Info("batch finished", fields...)
	}
}
