package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tariel-x/invitechat/internal/storage"
)

type CountSource interface {
	Counts(ctx context.Context) (storage.Counts, error)
}

// Refresh copies store counts into the gauges once.
func Refresh(ctx context.Context, src CountSource) error {
	c, err := src.Counts(ctx)
	if err != nil {
		return err
	}
	StoredUsers.Set(float64(c.Users))
	ActiveCodes.Set(float64(c.ActiveCodes))
	StoredMessages.Set(float64(c.Messages))
	return nil
}

// StartRefresher schedules Refresh on schedule (standard cron or "@every 1m").
// The returned cron must be stopped by the caller.
func StartRefresher(schedule string, src CountSource, logger zerolog.Logger) (*cron.Cron, error) {
	logger = logger.With().Str("component", "metrics").Logger()
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := Refresh(ctx, src); err != nil {
			logger.Warn().Err(err).Msg("refresh store gauges")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule metrics refresh %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
