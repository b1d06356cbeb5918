package creation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/routing"
)

// EventStore is the persistence surface of the per-event lane.
type EventStore interface {
	UnprocessedSiteAlerts(ctx context.Context, since time.Time) ([]models.SiteAlert, error)
	SitesByID(ctx context.Context, ids []string) (map[string]models.Site, error)
	SiteChannels(ctx context.Context, siteIDs []string) (map[string][]models.Channel, error)
	CommitEventChunk(ctx context.Context, alertIDs []string, records []models.NotificationRecord, throttledSiteIDs []string, now time.Time) error
}

// EventLaneConfig carries the tunables of the per-event creation lane.
type EventLaneConfig struct {
	Lookback  time.Duration // how far back unprocessed alerts are considered
	Throttle  time.Duration // minimum spacing between throttled-channel bursts per site
	ChunkSize int           // target alerts per transaction
	Budget    time.Duration // wall-clock budget per invocation, 0 = unlimited
}

// EventLane turns unprocessed site alerts into notification records, one per
// (alert, eligible channel) pair. Device and webhook channels are unthrottled;
// email, sms and whatsapp are rationed to one burst per site per throttle
// window. Each chunk commits atomically, so a crashed or budget-cut run can
// be re-triggered without creating duplicates.
type EventLane struct {
	store EventStore
	cfg   EventLaneConfig

	now func() time.Time
}

func NewEventLane(st EventStore, cfg EventLaneConfig) *EventLane {
	return &EventLane{store: st, cfg: cfg, now: time.Now}
}

// Run processes everything currently pending, chunk by chunk, and returns
// the number of notification records created.
func (l *EventLane) Run(ctx context.Context) (int, error) {
	start := l.now()

	alerts, err := l.store.UnprocessedSiteAlerts(ctx, start.Add(-l.cfg.Lookback))
	if err != nil {
		return 0, fmt.Errorf("failed to load unprocessed alerts: %w", err)
	}
	if len(alerts) == 0 {
		return 0, nil
	}

	chunks := chunkAlerts(alerts, l.cfg.ChunkSize)
	log.Printf("Event lane: %d alerts in %d chunks", len(alerts), len(chunks))

	created := 0
	for i, chunk := range chunks {
		if l.cfg.Budget > 0 && l.now().Sub(start) > l.cfg.Budget {
			log.Printf("Event lane: wall-clock budget reached after %d/%d chunks, remaining alerts stay pending", i, len(chunks))
			break
		}

		n, err := l.processChunk(ctx, chunk)
		if err != nil {
			return created, err
		}
		created += n
	}

	return created, nil
}

func (l *EventLane) processChunk(ctx context.Context, alerts []models.SiteAlert) (int, error) {
	siteIDs := uniqueSiteIDs(alerts)

	sites, err := l.store.SitesByID(ctx, siteIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to load sites: %w", err)
	}
	channels, err := l.store.SiteChannels(ctx, siteIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to load site channels: %w", err)
	}

	now := l.now()

	// Per-chunk counters for the throttled types. A site gets a budget of
	// one notification per verified+enabled channel of each throttled type,
	// and only while its throttle gate is open. Discarded after the commit.
	counters := make(map[string]map[models.ChannelType]int, len(siteIDs))
	for _, id := range siteIDs {
		counters[id] = make(map[models.ChannelType]int)
		site, ok := sites[id]
		if !ok || !l.throttleGateOpen(site, now) {
			continue
		}
		for _, ch := range channels[id] {
			if routing.Throttled(ch.Type) {
				counters[id][ch.Type]++
			}
		}
	}

	alertIDs := make([]string, len(alerts))
	var records []models.NotificationRecord
	throttled := make(map[string]bool)

	for i, a := range alerts {
		alertIDs[i] = a.ID

		site, ok := sites[a.SiteID]
		if !ok || !site.MonitoringEnabled {
			// Alert still gets marked processed below; it just produces
			// no notifications.
			continue
		}

		for _, ch := range channels[a.SiteID] {
			if !routing.IsValidChannelType(ch.Type) {
				continue
			}
			if routing.Throttled(ch.Type) {
				if counters[a.SiteID][ch.Type] <= 0 {
					continue
				}
				counters[a.SiteID][ch.Type]--
				throttled[a.SiteID] = true
			}

			records = append(records, models.NotificationRecord{
				ID:          models.NewID(),
				SiteAlertID: a.ID,
				ChannelType: ch.Type,
				Destination: ch.Destination,
				Status:      models.StatusEventScheduled,
				Metadata: map[string]any{
					models.MetaSiteID:   site.ID,
					models.MetaSiteName: site.Name,
				},
			})
		}
	}

	throttledSiteIDs := make([]string, 0, len(throttled))
	for id := range throttled {
		throttledSiteIDs = append(throttledSiteIDs, id)
	}

	if err := l.store.CommitEventChunk(ctx, alertIDs, records, throttledSiteIDs, now); err != nil {
		return 0, fmt.Errorf("failed to commit chunk: %w", err)
	}
	return len(records), nil
}

// throttleGateOpen reports whether a site may receive another burst on its
// throttled channels.
func (l *EventLane) throttleGateOpen(site models.Site, now time.Time) bool {
	if !site.MonitoringEnabled {
		return false
	}
	return site.LastMessageCreated == nil || now.Sub(*site.LastMessageCreated) > l.cfg.Throttle
}

// chunkAlerts cuts the ordered alert list into transaction-sized chunks,
// extending a chunk past the target size until the current site's run of
// alerts ends. The per-site counters are only correct if no site spans two
// chunks.
func chunkAlerts(alerts []models.SiteAlert, target int) [][]models.SiteAlert {
	if target < 1 {
		target = 1
	}

	var chunks [][]models.SiteAlert
	var current []models.SiteAlert

	for i, a := range alerts {
		current = append(current, a)

		siteRunEnds := i+1 == len(alerts) || alerts[i+1].SiteID != a.SiteID
		if len(current) >= target && siteRunEnds {
			chunks = append(chunks, current)
			current = nil
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func uniqueSiteIDs(alerts []models.SiteAlert) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, a := range alerts {
		if !seen[a.SiteID] {
			seen[a.SiteID] = true
			ids = append(ids, a.SiteID)
		}
	}
	return ids
}
