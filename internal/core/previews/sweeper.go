package previews

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper runs the cache eviction on a cron schedule.
type Sweeper struct {
	cron *cron.Cron
}

// StartSweeper schedules periodic sweeps ("@hourly", "0 3 * * *", ...).
// The returned Sweeper must be stopped on shutdown.
func StartSweeper(cache *Cache, schedule string, maxAge time.Duration, log zerolog.Logger) (*Sweeper, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		cache.Sweep(maxAge.Seconds())
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	log.Info().Str("schedule", schedule).Dur("maxAge", maxAge).Msg("preview sweeper started")
	return &Sweeper{cron: c}, nil
}

// Stop halts the schedule; a sweep already running finishes.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}
