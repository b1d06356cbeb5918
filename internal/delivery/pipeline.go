package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/eventbus"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/notifier"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/store"
)

// Store is the persistence surface of the delivery pipeline.
type Store interface {
	PendingNotifications(ctx context.Context, statuses []models.NotificationStatus, exclude []models.ChannelType, limit int) ([]models.NotificationRecord, error)
	MarkDelivered(ctx context.Context, updates []store.DeliveryUpdate, sentAt time.Time) error
	MarkSkipped(ctx context.Context, ids []string) error
	DeleteNotification(ctx context.Context, id string) error
	DeleteChannels(ctx context.Context, t models.ChannelType, destination string) error
}

// Config carries the pipeline tunables. Pending selects which lane's records
// this instance drains; the per-event and per-incident instances read
// disjoint status sets so they can run concurrently.
type Config struct {
	Pending   []models.NotificationStatus
	Exclude   []models.ChannelType // globally disabled channel types
	BatchSize int
	Interval  time.Duration // pause between batches for gateway rate limits
}

// PerEventStatuses is the pending set of the per-event delivery instance.
func PerEventStatuses() []models.NotificationStatus {
	return []models.NotificationStatus{models.StatusEventScheduled}
}

// PerIncidentStatuses is the pending set of the per-incident delivery instance.
func PerIncidentStatuses() []models.NotificationStatus {
	return []models.NotificationStatus{models.StatusStartScheduled, models.StatusEndScheduled}
}

// Pipeline drains pending notification records batch by batch, dispatching
// each batch concurrently through the notifier registry. A record leaves the
// pending set on every path: delivered, skipped, or deleted.
type Pipeline struct {
	store    Store
	registry *notifier.Registry
	failures *FailureHandler
	events   eventbus.Events
	cfg      Config

	now func() time.Time
}

func NewPipeline(st Store, registry *notifier.Registry, failures *FailureHandler, events eventbus.Events, cfg Config) *Pipeline {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	return &Pipeline{store: st, registry: registry, failures: failures, events: events, cfg: cfg, now: time.Now}
}

// Run processes batches until a fetch comes back empty, then returns the
// number of records it handled.
func (p *Pipeline) Run(ctx context.Context) (int, error) {
	processed := 0
	for {
		batch, err := p.store.PendingNotifications(ctx, p.cfg.Pending, p.cfg.Exclude, p.cfg.BatchSize)
		if err != nil {
			return processed, fmt.Errorf("failed to fetch pending notifications: %w", err)
		}
		if len(batch) == 0 {
			return processed, nil
		}

		if err := p.processBatch(ctx, batch); err != nil {
			return processed, err
		}
		processed += len(batch)

		if p.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return processed, ctx.Err()
			case <-time.After(p.cfg.Interval):
			}
		}
	}
}

type dispatchOutcome struct {
	record     models.NotificationRecord
	result     notifier.Result
	restricted bool
}

func (p *Pipeline) processBatch(ctx context.Context, batch []models.NotificationRecord) error {
	// Unordered fan-out; one slow or failing gateway neither blocks nor
	// reorders the rest of the batch.
	outcomes := make([]dispatchOutcome, len(batch))
	var wg sync.WaitGroup
	for i, rec := range batch {
		wg.Add(1)
		go func(i int, rec models.NotificationRecord) {
			defer wg.Done()
			outcomes[i] = p.dispatch(ctx, rec)
		}(i, rec)
	}
	wg.Wait()

	var updates []store.DeliveryUpdate
	var deliveredRecords []models.NotificationRecord
	var skippedIDs []string
	type pair struct {
		channelType models.ChannelType
		destination string
	}
	failedPairs := make(map[pair]bool)

	for _, o := range outcomes {
		switch {
		case o.restricted:
			// Hard reject: delete rather than skip, so the record can
			// never become a perpetual reattempt, and drop the channel
			// that points at the unreachable destination.
			log.Printf("Deleting notification %s for restricted destination", o.record.ID)
			if err := p.store.DeleteNotification(ctx, o.record.ID); err != nil {
				return err
			}
			if err := p.store.DeleteChannels(ctx, o.record.ChannelType, o.record.Destination); err != nil {
				return err
			}

		case o.result.Delivered:
			status, _ := o.record.Status.Sent()
			updates = append(updates, store.DeliveryUpdate{
				NotificationID:    o.record.ID,
				Status:            status,
				ChannelType:       o.record.ChannelType,
				Destination:       o.record.Destination,
				ProviderMessageID: o.result.ProviderMessageID,
			})
			deliveredRecords = append(deliveredRecords, o.record)

		default:
			skippedIDs = append(skippedIDs, o.record.ID)
			failedPairs[pair{o.record.ChannelType, o.record.Destination}] = true
		}
	}

	if len(updates) > 0 {
		if err := p.store.MarkDelivered(ctx, updates, p.now()); err != nil {
			return err
		}
		for _, rec := range deliveredRecords {
			p.events.NotificationDelivered(rec)
		}
	}

	if len(skippedIDs) > 0 {
		// Skipped records are abandoned: redelivery only happens when a new
		// upstream event creates a fresh record.
		if err := p.store.MarkSkipped(ctx, skippedIDs); err != nil {
			return err
		}
		for fp := range failedPairs {
			if err := p.failures.RecordFailure(ctx, fp.channelType, fp.destination); err != nil {
				return err
			}
		}
	}

	log.Printf("Delivery batch done: %d sent, %d skipped", len(updates), len(skippedIDs))
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, rec models.NotificationRecord) dispatchOutcome {
	sender := p.registry.Lookup(rec.ChannelType)

	res, err := sender.Notify(ctx, rec.Destination, paramsFor(rec))
	if err != nil {
		if errors.Is(err, notifier.ErrRestrictedDestination) {
			return dispatchOutcome{record: rec, restricted: true}
		}
		// Senders only error for hard rejects; treat anything else as a
		// plain failure to keep the record isolated.
		log.Printf("Unexpected sender error for %s: %v", rec.ID, err)
		return dispatchOutcome{record: rec}
	}
	return dispatchOutcome{record: rec, result: res}
}

// paramsFor rebuilds the message inputs from the record's status and the
// metadata the creation lanes attached.
func paramsFor(rec models.NotificationRecord) notifier.Params {
	kind := notifier.KindEvent
	switch rec.Status {
	case models.StatusStartScheduled:
		kind = notifier.KindIncidentStart
	case models.StatusEndScheduled:
		kind = notifier.KindIncidentEnd
	}

	return notifier.Params{
		Kind:            kind,
		SiteID:          metaString(rec.Metadata, models.MetaSiteID),
		SiteName:        metaString(rec.Metadata, models.MetaSiteName),
		IncidentID:      metaString(rec.Metadata, models.MetaIncidentID),
		DetectionCount:  metaInt(rec.Metadata, models.MetaDetectionCount),
		DurationMinutes: metaInt(rec.Metadata, models.MetaDurationMinutes),
	}
}

func metaString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// metaInt tolerates both in-process ints and the float64 that JSONB
// round-tripping produces.
func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
