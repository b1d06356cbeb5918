package incident

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/eventbus"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/store"
)

// Store is the persistence surface the tracker needs.
type Store interface {
	UnassignedSiteAlerts(ctx context.Context, since time.Time) ([]models.SiteAlert, error)
	ActiveIncidents(ctx context.Context, siteIDs []string) (map[string]models.Incident, error)
	OpenIncident(ctx context.Context, incident models.Incident, alertIDs []string) error
	ExtendIncident(ctx context.Context, incidentID, latestAlertID string, alertIDs []string) error
	StaleActiveIncidents(ctx context.Context, cutoff time.Time) ([]store.StaleIncident, error)
	CloseIncident(ctx context.Context, incidentID string, endedAt time.Time) (bool, error)
}

// Tracker maintains the one-open-incident-per-site state machine: it folds
// newly matched alerts into incidents and closes incidents that have gone
// quiet for the configured inactivity threshold.
type Tracker struct {
	store      Store
	events     eventbus.Events
	inactivity time.Duration
	lookback   time.Duration

	now func() time.Time
}

func NewTracker(st Store, events eventbus.Events, inactivity, lookback time.Duration) *Tracker {
	return &Tracker{
		store:      st,
		events:     events,
		inactivity: inactivity,
		lookback:   lookback,
		now:        time.Now,
	}
}

// Track attaches unassigned alerts to incidents, opening a new incident for
// any site without an active one. Returns the number of alerts attached.
func (t *Tracker) Track(ctx context.Context) (int, error) {
	since := t.now().Add(-t.lookback)
	alerts, err := t.store.UnassignedSiteAlerts(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to load unassigned alerts: %w", err)
	}
	if len(alerts) == 0 {
		return 0, nil
	}

	groups := groupBySite(alerts)

	siteIDs := make([]string, 0, len(groups))
	for _, g := range groups {
		siteIDs = append(siteIDs, g[0].SiteID)
	}

	active, err := t.store.ActiveIncidents(ctx, siteIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to load active incidents: %w", err)
	}

	attached := 0
	for _, group := range groups {
		siteID := group[0].SiteID
		first := group[0]
		latest := group[len(group)-1]

		ids := make([]string, len(group))
		for i, a := range group {
			ids[i] = a.ID
		}

		if open, ok := active[siteID]; ok {
			if err := t.store.ExtendIncident(ctx, open.ID, latest.ID, ids); err != nil {
				return attached, fmt.Errorf("failed to extend incident %s: %w", open.ID, err)
			}
			attached += len(group)
			continue
		}

		inc := models.Incident{
			ID:            models.NewID(),
			SiteID:        siteID,
			IsActive:      true,
			StartedAt:     first.EventDate,
			FirstAlertID:  first.ID,
			LatestAlertID: latest.ID,
		}
		if err := t.store.OpenIncident(ctx, inc, ids); err != nil {
			return attached, fmt.Errorf("failed to open incident for site %s: %w", siteID, err)
		}
		attached += len(group)

		log.Printf("Incident opened: site=%s incident=%s alerts=%d", siteID, inc.ID, len(group))
		t.events.IncidentOpened(inc)
	}

	return attached, nil
}

// CloseStale ends every open incident that has seen no alert for the
// inactivity threshold. Closing is idempotent: an incident another invocation
// already closed is skipped without error. Returns the number closed.
func (t *Tracker) CloseStale(ctx context.Context) (int, error) {
	cutoff := t.now().Add(-t.inactivity)
	stale, err := t.store.StaleActiveIncidents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to load stale incidents: %w", err)
	}

	closed := 0
	for _, s := range stale {
		// The incident ends one inactivity window after its last alert,
		// not at watchdog runtime.
		endedAt := s.LatestAlertAt.Add(t.inactivity)

		ok, err := t.store.CloseIncident(ctx, s.ID, endedAt)
		if err != nil {
			return closed, fmt.Errorf("failed to close incident %s: %w", s.ID, err)
		}
		if !ok {
			continue
		}
		closed++

		inc := s.Incident
		inc.IsActive = false
		inc.EndedAt = &endedAt
		inc.ClosingAlertID = &s.LatestAlertID

		log.Printf("Incident closed: site=%s incident=%s duration=%dm", inc.SiteID, inc.ID, inc.DurationMinutes())
		t.events.IncidentClosed(inc)
	}

	return closed, nil
}

// groupBySite splits an ordered alert list into per-site runs, preserving
// the (site, event time) order of the input.
func groupBySite(alerts []models.SiteAlert) [][]models.SiteAlert {
	var groups [][]models.SiteAlert
	for _, a := range alerts {
		if n := len(groups); n > 0 && groups[n-1][0].SiteID == a.SiteID {
			groups[n-1] = append(groups[n-1], a)
			continue
		}
		groups = append(groups, []models.SiteAlert{a})
	}
	return groups
}
