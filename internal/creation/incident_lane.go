package creation

import (
	"context"
	"fmt"
	"log"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/routing"
)

// IncidentStore is the persistence surface of the per-incident lane.
type IncidentStore interface {
	UnprocessedIncidents(ctx context.Context) ([]models.Incident, error)
	SitesByID(ctx context.Context, ids []string) (map[string]models.Site, error)
	SiteChannels(ctx context.Context, siteIDs []string) (map[string][]models.Channel, error)
	IncidentAlertCounts(ctx context.Context, incidentIDs []string) (map[string]int, error)
	CommitIncidentNotifications(ctx context.Context, incidentID string, isActive bool, records []models.NotificationRecord) (bool, error)
}

// IncidentLane turns incident open/close boundaries into notification
// records for the aggregated channel types (email, sms, whatsapp). No site
// throttle applies here: the incident boundary itself bounds the volume to
// one burst per open and one per close.
type IncidentLane struct {
	store IncidentStore
}

func NewIncidentLane(st IncidentStore) *IncidentLane {
	return &IncidentLane{store: st}
}

// Run processes every unprocessed incident and returns the number of
// notification records created.
func (l *IncidentLane) Run(ctx context.Context) (int, error) {
	incidents, err := l.store.UnprocessedIncidents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load unprocessed incidents: %w", err)
	}
	if len(incidents) == 0 {
		return 0, nil
	}

	siteIDs := make([]string, 0, len(incidents))
	seen := make(map[string]bool)
	incidentIDs := make([]string, len(incidents))
	for i, inc := range incidents {
		incidentIDs[i] = inc.ID
		if !seen[inc.SiteID] {
			seen[inc.SiteID] = true
			siteIDs = append(siteIDs, inc.SiteID)
		}
	}

	sites, err := l.store.SitesByID(ctx, siteIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to load sites: %w", err)
	}
	channels, err := l.store.SiteChannels(ctx, siteIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to load site channels: %w", err)
	}
	counts, err := l.store.IncidentAlertCounts(ctx, incidentIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to load incident alert counts: %w", err)
	}

	created := 0
	for _, inc := range incidents {
		records := l.buildRecords(inc, sites[inc.SiteID], channels[inc.SiteID], counts[inc.ID])

		// An incident with no eligible channels is still marked processed,
		// in the same transaction the inserts would have used. The commit
		// is guarded on the is_active value read above: if the watchdog
		// closed the incident mid-run, these START records are stale and
		// the incident stays queued for the next run's END boundary.
		committed, err := l.store.CommitIncidentNotifications(ctx, inc.ID, inc.IsActive, records)
		if err != nil {
			return created, fmt.Errorf("failed to commit incident %s: %w", inc.ID, err)
		}
		if !committed {
			log.Printf("Incident %s changed state mid-run, leaving it queued", inc.ID)
			continue
		}
		created += len(records)
	}

	log.Printf("Incident lane: %d incidents processed, %d notifications created", len(incidents), created)
	return created, nil
}

func (l *IncidentLane) buildRecords(inc models.Incident, site models.Site, channels []models.Channel, alertCount int) []models.NotificationRecord {
	status := models.StatusEndScheduled
	alertID := inc.LatestAlertID
	if inc.IsActive {
		status = models.StatusStartScheduled
		alertID = inc.FirstAlertID
	} else if inc.ClosingAlertID != nil {
		alertID = *inc.ClosingAlertID
	}

	var records []models.NotificationRecord
	for _, ch := range channels {
		if routing.LaneFor(ch.Type) != routing.LanePerIncident {
			continue
		}

		metadata := map[string]any{
			models.MetaIncidentID: inc.ID,
			models.MetaSiteID:     inc.SiteID,
			models.MetaSiteName:   site.Name,
		}
		if status == models.StatusEndScheduled {
			metadata[models.MetaDetectionCount] = alertCount
			metadata[models.MetaDurationMinutes] = inc.DurationMinutes()
		}

		records = append(records, models.NotificationRecord{
			ID:          models.NewID(),
			SiteAlertID: alertID,
			ChannelType: ch.Type,
			Destination: ch.Destination,
			Status:      status,
			Metadata:    metadata,
		})
	}
	return records
}
