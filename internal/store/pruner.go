package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes playback records older than the retention window on a cron
// schedule.
type Pruner struct {
	history   *History
	retention time.Duration
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewPruner creates a retention pruner. spec is a cron expression with an
// optional leading seconds field.
func NewPruner(history *History, spec string, retention time.Duration, logger *slog.Logger) (*Pruner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)
	runner := cron.New(cron.WithParser(parser))

	p := &Pruner{
		history:   history,
		retention: retention,
		logger:    logger,
		cron:      runner,
	}

	if _, err := runner.AddFunc(spec, p.runOnce); err != nil {
		return nil, fmt.Errorf("parsing prune schedule %q: %w", spec, err)
	}
	return p, nil
}

// Start begins the schedule.
func (p *Pruner) Start() {
	p.cron.Start()
	p.logger.Info("history pruner started",
		slog.Duration("retention", p.retention),
	)
}

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}

func (p *Pruner) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := p.history.Prune(ctx, p.retention)
	if err != nil {
		p.logger.Error("history prune failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		p.logger.Info("history pruned", slog.Int64("removed", removed))
	}
}
