package monitoring

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/fleetlens/fleetlens-be/internal/services"
)

// StuckMonitor periodically scans agent profiles and pushes status changes
// that happen without ingestion traffic: an agent goes stuck by heartbeats
// stopping, not by an event arriving.
type StuckMonitor struct {
	agentSvc services.AgentServiceProvider
	hub      services.Broadcaster
	alertSvc services.AlertServiceProvider
	ticker   *time.Ticker
	done     chan bool

	// last derived status per tenant+agent, so only transitions are pushed.
	lastStatus map[string]models.AgentStatus
}

// NewStuckMonitor creates a new StuckMonitor.
func NewStuckMonitor(agentSvc services.AgentServiceProvider, hub services.Broadcaster, alertSvc services.AlertServiceProvider) *StuckMonitor {
	return &StuckMonitor{
		agentSvc:   agentSvc,
		hub:        hub,
		alertSvc:   alertSvc,
		done:       make(chan bool),
		lastStatus: make(map[string]models.AgentStatus),
	}
}

// Run starts the periodic scan.
func (m *StuckMonitor) Run() {
	log.Info().Msg("Starting background stuck monitor...")
	m.ticker = time.NewTicker(15 * time.Second)
	defer m.ticker.Stop()

	// Run once immediately on start
	m.scan()

	for {
		select {
		case <-m.done:
			log.Info().Msg("Stopping background stuck monitor.")
			return
		case <-m.ticker.C:
			m.scan()
		}
	}
}

// Stop halts the periodic scan.
func (m *StuckMonitor) Stop() {
	m.done <- true
}

// scan walks every profile, derives the current status and pushes any
// transition since the previous scan. The first scan after startup primes
// the map without pushing, so a restart doesn't replay old transitions.
func (m *StuckMonitor) scan() {
	profiles, err := m.agentSvc.AllProfiles()
	if err != nil {
		log.Error().Err(err).Msg("StuckMonitor: Failed to load agent profiles")
		return
	}

	now := time.Now().UTC()
	primed := len(m.lastStatus) > 0
	seen := make(map[string]bool, len(profiles))

	for _, p := range profiles {
		key := p.TenantID + "\x00" + p.AgentID
		seen[key] = true

		status := services.DeriveAgentStatus(&p, now)
		prev, known := m.lastStatus[key]
		m.lastStatus[key] = status

		// New agents announce themselves through ingestion; the monitor only
		// reports transitions between scans.
		if !primed || !known || prev == status {
			continue
		}

		projects, err := m.agentSvc.ProjectsForAgent(p.TenantID, p.AgentID)
		if err != nil {
			log.Error().Err(err).Str("agentId", p.AgentID).Msg("StuckMonitor: Failed to load agent projects")
			projects = nil
		}

		m.hub.PublishStatusChange(p.TenantID, p.AgentID, prev, status, projects)
		if status == models.AgentStuck {
			log.Warn().Str("tenant", p.TenantID).Str("agentId", p.AgentID).Msg("Agent went stuck")
			m.hub.PublishStuck(p.TenantID, p.AgentID, projects)
		}
	}

	// Profiles removed by retention drop out of the map too.
	for key := range m.lastStatus {
		if !seen[key] {
			delete(m.lastStatus, key)
		}
	}
}

// AlertSweeper periodically evaluates the alert conditions that fire on the
// absence of traffic (stale heartbeats, offline agents).
type AlertSweeper struct {
	alertSvc services.AlertServiceProvider
	ticker   *time.Ticker
	done     chan bool
}

// NewAlertSweeper creates a new AlertSweeper.
func NewAlertSweeper(alertSvc services.AlertServiceProvider) *AlertSweeper {
	return &AlertSweeper{alertSvc: alertSvc, done: make(chan bool)}
}

// Run starts the periodic sweep.
func (s *AlertSweeper) Run() {
	log.Info().Msg("Starting background alert sweeper...")
	s.ticker = time.NewTicker(30 * time.Second)
	defer s.ticker.Stop()

	for {
		select {
		case <-s.done:
			log.Info().Msg("Stopping background alert sweeper.")
			return
		case <-s.ticker.C:
			s.alertSvc.EvaluatePeriodic(context.Background())
		}
	}
}

// Stop halts the periodic sweep.
func (s *AlertSweeper) Stop() {
	s.done <- true
}
