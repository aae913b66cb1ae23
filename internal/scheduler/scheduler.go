// Package scheduler runs the four periodic sweeps — expire, warn,
// garbage-collect, monthly report — on wall-clock cron expressions, each
// independently configurable. Sweeps are idempotent: status preconditions
// and the warn-flag set make repeated firing harmless.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/lumenguard/licensed/internal/domain"
	"github.com/lumenguard/licensed/internal/eventbus"
	"github.com/lumenguard/licensed/internal/store"
)

// Expirer is the subset of licensesvc.Service the Expire sweep depends on.
type Expirer interface {
	Expire(ctx context.Context, clientID string) (*domain.License, error)
}

// Config controls sweep cadence; all fields are cron expressions except
// Timezone. Zero values fall back to the defaults below.
type Config struct {
	Timezone          string // default "UTC"
	ExpireSweepCron   string // default "0 * * * *" (hourly)
	WarnSweepCron     string // default "0 9,13,17 * * *" (three daily fixed times)
	GCSweepCron       string // default "0 3 * * 0" (weekly, Sunday 03:00)
	MonthlyReportCron string // default "0 4 1 * *" (monthly, 1st at 04:00)
}

func (c Config) withDefaults() Config {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.ExpireSweepCron == "" {
		c.ExpireSweepCron = "0 * * * *"
	}
	if c.WarnSweepCron == "" {
		c.WarnSweepCron = "0 9,13,17 * * *"
	}
	if c.GCSweepCron == "" {
		c.GCSweepCron = "0 3 * * 0"
	}
	if c.MonthlyReportCron == "" {
		c.MonthlyReportCron = "0 4 1 * *"
	}
	return c
}

// warnWindows lists the three day-windows; each firing checks all of
// {7,3,1} and lets the warn-flag set suppress duplicates.
var warnWindows = []struct {
	level  domain.WarnLevel
	window time.Duration
}{
	{domain.WarnLevel7, 7 * 24 * time.Hour},
	{domain.WarnLevel3, 3 * 24 * time.Hour},
	{domain.WarnLevel1, 1 * 24 * time.Hour},
}

// Scheduler runs the four sweeps on independent cron schedules.
type Scheduler struct {
	cfg     Config
	store   store.LicenseStore
	warn    store.WarnFlagStore
	expirer Expirer
	bus     *eventbus.Bus
	log     zerolog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// New constructs a Scheduler. Does not start it; call Start.
func New(cfg Config, s store.LicenseStore, w store.WarnFlagStore, expirer Expirer, bus *eventbus.Bus, log zerolog.Logger) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load scheduler timezone %q: %w", cfg.Timezone, err)
	}

	sched := &Scheduler{
		cfg: cfg, store: s, warn: w, expirer: expirer, bus: bus,
		log:  log.With().Str("component", "scheduler").Logger(),
		cron: cron.New(cron.WithLocation(loc)),
	}

	if _, err := sched.cron.AddFunc(cfg.ExpireSweepCron, sched.expireSweep); err != nil {
		return nil, fmt.Errorf("register expire sweep: %w", err)
	}
	if _, err := sched.cron.AddFunc(cfg.WarnSweepCron, sched.warnSweep); err != nil {
		return nil, fmt.Errorf("register warn sweep: %w", err)
	}
	if _, err := sched.cron.AddFunc(cfg.GCSweepCron, sched.gcSweep); err != nil {
		return nil, fmt.Errorf("register gc sweep: %w", err)
	}
	if _, err := sched.cron.AddFunc(cfg.MonthlyReportCron, sched.monthlyReport); err != nil {
		return nil, fmt.Errorf("register monthly report: %w", err)
	}

	return sched, nil
}

// Start begins the cron loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
	return nil
}

// Stop drains any in-flight sweep and halts the cron loop, respecting
// ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info().Msg("scheduler stopped")
	return nil
}

// expireSweep transitions every active-past-deadline license to expired.
func (s *Scheduler) expireSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := s.store.FindExpiredActive(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("expire sweep: find expired active failed")
		return
	}

	for _, lic := range expired {
		if _, err := s.expirer.Expire(ctx, lic.ClientID); err != nil {
			s.log.Warn().Err(err).Str("client_id", lic.ClientID).Msg("expire sweep: transition failed")
		}
	}
	if len(expired) > 0 {
		s.log.Info().Int("count", len(expired)).Msg("expire sweep complete")
	}
}

// warnSweep emits at most one expiry warning per (client, window).
func (s *Scheduler) warnSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	total := 0
	for _, ww := range warnWindows {
		candidates, err := s.store.FindExpiringWithin(ctx, now, ww.window, ww.level)
		if err != nil {
			s.log.Error().Err(err).Int("level", int(ww.level)).Msg("warn sweep: find expiring failed")
			continue
		}
		for _, lic := range candidates {
			set, err := s.warn.IsSet(ctx, lic.ClientID, ww.level)
			if err != nil || set {
				continue
			}
			if err := s.warn.Set(ctx, lic.ClientID, ww.level, now); err != nil {
				s.log.Warn().Err(err).Str("client_id", lic.ClientID).Msg("warn sweep: set flag failed")
				continue
			}
			daysRemaining := lic.DaysRemaining(now)
			s.bus.Publish(ctx, eventbus.Event{
				Topics: []string{eventbus.LicenseTopic(lic.ClientID), eventbus.AdminTopic},
				Type:   "license_expiry_warning",
				Payload: map[string]interface{}{
					"urgency":        ww.level,
					"days_remaining": daysRemaining,
				},
			})
			total++
		}
	}
	if total > 0 {
		s.log.Info().Int("count", total).Msg("warn sweep complete")
	}
}

// gcSweep deletes expired records whose expiry predates now-90d. It
// deletes through the store directly: these deletions append no audit
// event and publish nothing on the bus.
func (s *Scheduler) gcSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	garbage, err := s.store.FindGarbage(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("gc sweep: find garbage failed")
		return
	}

	for _, lic := range garbage {
		if err := s.store.Delete(ctx, lic.ClientID); err != nil {
			s.log.Warn().Err(err).Str("client_id", lic.ClientID).Msg("gc sweep: delete failed")
		}
	}
	if len(garbage) > 0 {
		s.log.Info().Int("count", len(garbage)).Msg("gc sweep complete")
	}
}

// monthlyReport publishes aggregate counts to the admin topic.
// internal/archive persists the same snapshot to object storage via its
// own subscription to this event.
func (s *Scheduler) monthlyReport() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("monthly report: stats failed")
		return
	}

	payload := map[string]interface{}{
		"generated_at": time.Now().UTC(),
		"counts":       stats,
	}
	s.bus.Publish(ctx, eventbus.Event{
		Topics:  []string{eventbus.AdminTopic},
		Type:    "monthly_report",
		Payload: payload,
	})
	s.log.Info().Msg("monthly report published")
}
