package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/waggleworks/hivemarket/internal/app/system"
	"github.com/waggleworks/hivemarket/pkg/logger"
)

// DefaultSchedule runs a sweep every minute.
const DefaultSchedule = "@every 1m"

// Runner drives periodic sweeps on a cron schedule and plugs into the
// application lifecycle.
type Runner struct {
	service  *Service
	schedule string
	timeout  time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Runner)(nil)

// NewRunner constructs a runner. An empty schedule uses DefaultSchedule.
func NewRunner(service *Service, schedule string, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("sweeper-runner")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Runner{
		service:  service,
		schedule: schedule,
		timeout:  time.Minute,
		log:      log,
	}
}

func (r *Runner) Name() string { return "auto-approval-sweeper" }

func (r *Runner) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, r.sweep); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	r.running = true
	r.log.Infof("sweeper started on schedule %q", r.schedule)
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.running = false
	r.mu.Unlock()
	if c == nil {
		return nil
	}

	// Stop returns a context that is done once in-flight jobs finish.
	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	results, err := r.service.Sweep(ctx)
	if err != nil {
		r.log.WithError(err).Error("sweep failed")
		return
	}
	approved, failed := 0, 0
	for _, res := range results {
		if res.Approved {
			approved++
		}
		if res.Err != nil {
			failed++
		}
	}
	if approved > 0 || failed > 0 {
		r.log.Infof("sweep finished: %d approved, %d failed, %d candidates", approved, failed, len(results))
	}
}
