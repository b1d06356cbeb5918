package creation_test

import (
	"context"
	"time"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
)

// mockStore implements creation.EventStore and creation.IncidentStore
type mockStore struct {
	alerts      []models.SiteAlert
	incidents   []models.Incident
	sites       map[string]models.Site
	channels    map[string][]models.Channel
	alertCounts map[string]int

	// one entry per committed chunk
	committedAlertIDs  [][]string
	committedRecords   [][]models.NotificationRecord
	committedThrottled [][]string

	// one entry per processed incident
	processedIncidents []string
	incidentRecords    [][]models.NotificationRecord

	// invoked before an incident commit, to interleave concurrent writers
	beforeIncidentCommit func(incidentID string)
}

func (m *mockStore) UnprocessedSiteAlerts(ctx context.Context, since time.Time) ([]models.SiteAlert, error) {
	var out []models.SiteAlert
	for _, a := range m.alerts {
		if !a.IsProcessed && !a.EventDate.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) UnprocessedIncidents(ctx context.Context) ([]models.Incident, error) {
	var out []models.Incident
	for _, i := range m.incidents {
		if !i.IsProcessed {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *mockStore) SitesByID(ctx context.Context, ids []string) (map[string]models.Site, error) {
	return m.sites, nil
}

func (m *mockStore) SiteChannels(ctx context.Context, siteIDs []string) (map[string][]models.Channel, error) {
	return m.channels, nil
}

func (m *mockStore) IncidentAlertCounts(ctx context.Context, incidentIDs []string) (map[string]int, error) {
	return m.alertCounts, nil
}

func (m *mockStore) CommitEventChunk(ctx context.Context, alertIDs []string, records []models.NotificationRecord, throttledSiteIDs []string, now time.Time) error {
	m.committedAlertIDs = append(m.committedAlertIDs, alertIDs)
	m.committedRecords = append(m.committedRecords, records)
	m.committedThrottled = append(m.committedThrottled, throttledSiteIDs)

	// Mirror what the real transaction does so a second Run sees no work.
	done := make(map[string]bool, len(alertIDs))
	for _, id := range alertIDs {
		done[id] = true
	}
	for i := range m.alerts {
		if done[m.alerts[i].ID] {
			m.alerts[i].IsProcessed = true
		}
	}
	for _, siteID := range throttledSiteIDs {
		s := m.sites[siteID]
		t := now
		s.LastMessageCreated = &t
		m.sites[siteID] = s
	}
	return nil
}

func (m *mockStore) CommitIncidentNotifications(ctx context.Context, incidentID string, isActive bool, records []models.NotificationRecord) (bool, error) {
	if m.beforeIncidentCommit != nil {
		m.beforeIncidentCommit(incidentID)
	}

	// Mirror the guarded update: the mark only lands if the incident is
	// still in the state the caller read.
	for i := range m.incidents {
		if m.incidents[i].ID != incidentID || m.incidents[i].IsActive != isActive {
			continue
		}
		m.incidents[i].IsProcessed = true
		m.processedIncidents = append(m.processedIncidents, incidentID)
		m.incidentRecords = append(m.incidentRecords, records)
		return true, nil
	}
	return false, nil
}

func (m *mockStore) allRecords() []models.NotificationRecord {
	var out []models.NotificationRecord
	for _, batch := range m.committedRecords {
		out = append(out, batch...)
	}
	return out
}

func recordsByType(records []models.NotificationRecord) map[models.ChannelType]int {
	out := make(map[models.ChannelType]int)
	for _, r := range records {
		out[r.ChannelType]++
	}
	return out
}
