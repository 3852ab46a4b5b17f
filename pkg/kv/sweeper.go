package kv

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSweepSchedule removes expired keys every half minute.
const DefaultSweepSchedule = "@every 30s"

// sweeper runs a backend's expiry sweep on a cron schedule. Reads already
// ignore expired keys; the sweep only reclaims space.
type sweeper struct {
	cron *cron.Cron
}

func startSweeper(schedule, backend string, sweep func() (int, error)) (*sweeper, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if schedule == "off" {
		return &sweeper{}, nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		removed, err := sweep()
		if err != nil {
			log.Warn().Err(err).Str("backend", backend).Msg("Expiry sweep failed")
			return
		}
		if removed > 0 {
			log.Debug().Str("backend", backend).Int("removed", removed).Msg("Expired keys swept")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	return &sweeper{cron: c}, nil
}

func (s *sweeper) stop() {
	if s == nil || s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
