package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Z333Q/p402-router/internal/store"
	"github.com/Z333Q/p402-router/internal/x402"
)

// Batch bounds. Trigger overrides outside these ranges are clamped.
const (
	MinBatchSize = 1
	MaxBatchSize = 50
	MinTimeout   = 250 * time.Millisecond
	MaxTimeout   = 8 * time.Second

	DefaultBatchSize   = 10
	DefaultTimeout     = 3 * time.Second
	DefaultConcurrency = 8
)

// Fleet is the cursor-locked facilitator scan the scheduler walks.
type Fleet interface {
	WithCursor(ctx context.Context, jobName string, fn func(ct *store.CursorTx, offset int) (int, error)) error
}

// Observer receives probe and batch outcomes, typically for metrics.
type Observer interface {
	RecordProbe(status string, latency time.Duration)
	RecordBatch()
}

// BatchResult reports one scheduler invocation.
type BatchResult struct {
	JobName     string `json:"jobName"`
	Offset      int    `json:"offset"`
	Processed   int    `json:"processed"`
	Healthy     int    `json:"healthy"`
	Degraded    int    `json:"degraded"`
	Down        int    `json:"down"`
	NextOffset  int    `json:"nextOffset"`
	CursorReset bool   `json:"cursorReset,omitempty"`
}

// Overrides optionally adjust one batch run; zero values keep defaults.
type Overrides struct {
	BatchSize int `json:"batchSize,omitempty"`
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// Scheduler walks the facilitator fleet in cursor-resumable batches,
// probing each facilitator and upserting the outcome. The persisted cursor
// row is the serialization point: two overlapping invocations of the same
// job never double-process a batch.
type Scheduler struct {
	JobName     string
	BatchSize   int
	Timeout     time.Duration
	Concurrency int

	fleet  Fleet
	prober *Prober
	logger *slog.Logger

	// Observer, when set, is notified of every probe and completed batch.
	Observer Observer

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewScheduler creates a health scheduler for the named job.
func NewScheduler(jobName string, fleet Fleet, prober *Prober, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		JobName:     jobName,
		BatchSize:   DefaultBatchSize,
		Timeout:     DefaultTimeout,
		Concurrency: DefaultConcurrency,
		fleet:       fleet,
		prober:      prober,
		logger:      logger,
		Now:         time.Now,
	}
}

// RunBatch processes the next facilitator batch: read the cursor under the
// job's write lock, probe each facilitator concurrently with a hard
// per-probe deadline, persist outcomes, then advance the cursor. A batch
// shorter than batchSize wraps the cursor to zero; an empty batch at a
// non-zero offset resets the cursor and reports it without error.
func (s *Scheduler) RunBatch(ctx context.Context, overrides Overrides) (*BatchResult, error) {
	batchSize := clampInt(overrides.BatchSize, s.BatchSize, MinBatchSize, MaxBatchSize)
	timeout := clampDuration(time.Duration(overrides.TimeoutMs)*time.Millisecond, s.Timeout, MinTimeout, MaxTimeout)

	result := &BatchResult{JobName: s.JobName}

	err := s.fleet.WithCursor(ctx, s.JobName, func(ct *store.CursorTx, offset int) (int, error) {
		result.Offset = offset

		batch, err := ct.ListBatch(ctx, offset, batchSize)
		if err != nil {
			return 0, fmt.Errorf("failed to select facilitator batch: %w", err)
		}

		if len(batch) == 0 {
			if offset > 0 {
				result.CursorReset = true
				s.logger.Info("health poll cursor reset", slog.String("job", s.JobName), slog.Int("offset", offset))
			}
			result.NextOffset = 0
			return 0, nil
		}

		records := s.probeAll(ctx, batch, timeout)
		for _, h := range records {
			if err := ct.UpsertHealth(ctx, h); err != nil {
				return 0, fmt.Errorf("failed to persist health for %s: %w", h.FacilitatorID, err)
			}
			if s.Observer != nil {
				s.Observer.RecordProbe(string(h.Status), time.Duration(h.LatencyMs)*time.Millisecond)
			}
			switch h.Status {
			case x402.HealthHealthy:
				result.Healthy++
			case x402.HealthDegraded:
				result.Degraded++
			case x402.HealthDown:
				result.Down++
			}
		}
		result.Processed = len(batch)

		// A short batch means the end of the facilitator set was reached.
		next := 0
		if len(batch) == batchSize {
			next = offset + len(batch)
		}
		result.NextOffset = next
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	if s.Observer != nil {
		s.Observer.RecordBatch()
	}

	s.logger.Info("health batch complete",
		slog.String("job", s.JobName),
		slog.Int("processed", result.Processed),
		slog.Int("nextOffset", result.NextOffset))
	return result, nil
}

// probeAll runs probes concurrently, bounded by the concurrency cap, each
// with its own deadline so one unresponsive facilitator cannot stall the
// batch.
func (s *Scheduler) probeAll(ctx context.Context, batch []x402.Facilitator, timeout time.Duration) []*x402.FacilitatorHealth {
	records := make([]*x402.FacilitatorHealth, len(batch))

	sem := make(chan struct{}, s.Concurrency)
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			fac := &batch[i]
			probe := s.prober.Probe(ctx, fac, timeout)
			records[i] = Classify(fac.ID, probe, s.Now())
		}(i)
	}
	wg.Wait()
	return records
}

func clampInt(v, def, min, max int) int {
	if v == 0 {
		v = def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, def, min, max time.Duration) time.Duration {
	if v == 0 {
		v = def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
