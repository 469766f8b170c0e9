package monitoring

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/services"
)

// Retention deletes events past the retention window on a cron schedule.
// Heartbeats age out on a shorter window since they carry no history worth
// keeping once the profile reflects them.
type Retention struct {
	store              services.EventStoreProvider
	retention          time.Duration
	heartbeatRetention time.Duration
	cron               *cron.Cron
}

// NewRetention creates a retention sweeper from day-granularity windows.
func NewRetention(store services.EventStoreProvider, retentionDays, heartbeatRetentionDays int) *Retention {
	return &Retention{
		store:              store,
		retention:          time.Duration(retentionDays) * 24 * time.Hour,
		heartbeatRetention: time.Duration(heartbeatRetentionDays) * 24 * time.Hour,
		cron:               cron.New(),
	}
}

// Start schedules the sweeps. Heartbeat compaction runs hourly, the full
// sweep once a day.
func (rt *Retention) Start() error {
	if _, err := rt.cron.AddFunc("@hourly", rt.compactHeartbeats); err != nil {
		return err
	}
	if _, err := rt.cron.AddFunc("@daily", rt.sweep); err != nil {
		return err
	}
	rt.cron.Start()
	log.Info().Msg("Started retention sweeper.")
	return nil
}

// Stop halts the cron scheduler and waits for running jobs.
func (rt *Retention) Stop() {
	<-rt.cron.Stop().Done()
}

func (rt *Retention) sweep() {
	cutoff := time.Now().UTC().Add(-rt.retention)
	tenants, err := rt.store.Tenants()
	if err != nil {
		log.Error().Err(err).Msg("Retention: Failed to list tenants")
		return
	}
	for _, tenant := range tenants {
		deleted, err := rt.store.DeleteOlderThan(tenant, cutoff)
		if err != nil {
			log.Error().Err(err).Str("tenant", tenant).Msg("Retention: Failed to delete old events")
			continue
		}
		if deleted > 0 {
			log.Info().Str("tenant", tenant).Int64("deleted", deleted).Msg("Retention: Swept old events")
		}
	}
}

func (rt *Retention) compactHeartbeats() {
	cutoff := time.Now().UTC().Add(-rt.heartbeatRetention)
	deleted, err := rt.store.DeleteHeartbeatsOlderThan(cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Retention: Failed to compact heartbeats")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Retention: Compacted heartbeats")
	}
}
