package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/shiftrunner/internal/history"
	"github.com/wolfeidau/shiftrunner/internal/logger"
	"github.com/wolfeidau/shiftrunner/internal/models"
)

type TodayCmd struct {
	ConfigFlags `embed:""`
}

// liveRecord reports an open session from the active record in the store,
// for when no controller runs in this process.
type liveRecord struct {
	openedAt time.Time
	open     bool
}

func (l liveRecord) OpenSince() (time.Time, bool) { return l.openedAt, l.open }

// PendingClose is never known from the store alone.
func (l liveRecord) PendingClose() (models.ClosedSession, bool) { return models.ClosedSession{}, false }

func (c *TodayCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg, err := c.load()
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	agg := history.NewAggregator(st, history.WithLocation(cfg.Zone()), history.WithLogger(log))

	active, err := st.GetActive(ctx, cfg.Worker.ID)
	if err != nil {
		return fmt.Errorf("failed to read active session: %w", err)
	}
	if active != nil {
		agg.Track(cfg.Worker.ID, liveRecord{openedAt: active.OpenedAt, open: true})
	}

	total, err := agg.TotalToday(ctx, cfg.Worker.ID)
	if err != nil {
		return fmt.Errorf("failed to compute today's total: %w", err)
	}

	fmt.Printf("Worker:       %s\n", cfg.Worker.ID)
	if active != nil {
		fmt.Printf("Open session: %s (since %s)\n", active.SessionID, active.OpenedAt.In(cfg.Zone()).Format(time.Kitchen))
	}
	fmt.Printf("Worked today: %s\n", total.Round(time.Second))

	return nil
}
