package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/lazyacme/internal/metrics"
)

// TickReport summarizes one admission pass.
type TickReport struct {
	At       time.Time `json:"at"`
	Due      int       `json:"due"`
	Admitted int       `json:"admitted"`
	Skipped  int       `json:"skipped"`
}

// SchedulerState is the health view of the scheduler.
type SchedulerState struct {
	Running  bool        `json:"running"`
	Interval string      `json:"interval"`
	LastTick *TickReport `json:"last_tick,omitempty"`
	InFlight int         `json:"in_flight"`
}

// Scheduler periodically admits every due domain. Ticks never wait for the
// workers they start.
type Scheduler struct {
	svc      *Service
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	last    *TickReport
}

func NewScheduler(svc *Service, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		svc:      svc,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run ticks once immediately and then every interval until ctx is done.
func (sc *Scheduler) Run(ctx context.Context) error {
	sc.setRunning(true)
	defer sc.setRunning(false)

	sc.logger.Info().Dur("interval", sc.interval).Msg("scheduler started")
	sc.Tick(ctx)

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sc.logger.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			sc.Tick(ctx)
		}
	}
}

// Tick runs one admission pass over the registry.
func (sc *Scheduler) Tick(ctx context.Context) TickReport {
	now := sc.svc.now()
	report := TickReport{At: now}

	for _, entry := range sc.svc.registry.List() {
		rec, err := sc.svc.store.Get(entry.Name)
		if err != nil {
			sc.logger.Warn().Err(err).Str("domain", entry.Name).Msg("skipping domain without record")
			continue
		}
		if !sc.svc.due(rec, now) {
			continue
		}
		report.Due++

		switch err := sc.svc.admit(ctx, entry, TriggerScheduler); {
		case err == nil:
			report.Admitted++
		case errors.Is(err, errBusy), errors.Is(err, errNotDue), errors.Is(err, ErrClosing):
			report.Skipped++
		default:
			report.Skipped++
			sc.logger.Error().Err(err).Str("domain", entry.Name).Msg("failed to admit renewal")
		}
	}

	metrics.ObserveTick(report.Due)
	sc.mu.Lock()
	sc.last = &report
	sc.mu.Unlock()

	if report.Due > 0 {
		sc.logger.Info().Int("due", report.Due).Int("admitted", report.Admitted).Int("skipped", report.Skipped).Msg("scheduler tick")
	} else {
		sc.logger.Debug().Msg("scheduler tick: nothing due")
	}
	return report
}

func (sc *Scheduler) setRunning(v bool) {
	sc.mu.Lock()
	sc.running = v
	sc.mu.Unlock()
}

// State returns a snapshot for health reporting.
func (sc *Scheduler) State() SchedulerState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	st := SchedulerState{
		Running:  sc.running,
		Interval: sc.interval.String(),
		InFlight: sc.svc.InFlight(),
	}
	if sc.last != nil {
		last := *sc.last
		st.LastTick = &last
	}
	return st
}
