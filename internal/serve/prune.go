package serve

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/samsaffron/mdstream/internal/metrics"
	"github.com/samsaffron/mdstream/internal/session"
)

const pruneTimeout = 5 * time.Minute

// Pruner deletes chats older than a retention window on a cron schedule.
type Pruner struct {
	cron       *cron.Cron
	store      session.Store
	maxAgeDays int
	log        zerolog.Logger
}

// NewPruner schedules store pruning. schedule accepts the standard five
// field syntax and descriptors such as "@daily".
func NewPruner(store session.Store, schedule string, maxAgeDays int, log zerolog.Logger) (*Pruner, error) {
	p := &Pruner{
		cron:       cron.New(),
		store:      store,
		maxAgeDays: maxAgeDays,
		log:        log.With().Str("component", "pruner").Logger(),
	}
	if _, err := p.cron.AddFunc(schedule, p.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start starts the scheduler.
func (p *Pruner) Start() {
	p.cron.Start()
}

// Stop stops the scheduler and waits for a running prune to finish.
func (p *Pruner) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

// RunOnce prunes immediately.
func (p *Pruner) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	n, err := p.store.Prune(ctx, p.maxAgeDays)
	if err != nil {
		p.log.Error().Err(err).Int("max_age_days", p.maxAgeDays).Msg("prune failed")
		return
	}
	metrics.PrunedChats.Add(float64(n))
	if n > 0 {
		p.log.Info().Int64("chats", n).Int("max_age_days", p.maxAgeDays).Msg("pruned old chats")
	}
}
