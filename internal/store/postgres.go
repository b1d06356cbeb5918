package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
)

// Postgres is the single persistence adapter for the pipeline. All reads
// used for eligibility decisions and the writes that consume them go
// through the transactional commit methods below.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connectionString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// ---- site alerts ----

const alertColumns = `id, site_id, latitude, longitude, confidence, distance, detected_by, event_date, is_processed, incident_id`

func scanAlert(row pgx.Row) (models.SiteAlert, error) {
	var a models.SiteAlert
	err := row.Scan(&a.ID, &a.SiteID, &a.Latitude, &a.Longitude, &a.Confidence,
		&a.Distance, &a.DetectedBy, &a.EventDate, &a.IsProcessed, &a.IncidentID)
	return a, err
}

// UnprocessedSiteAlerts returns alerts awaiting notification creation,
// newest lookback window only, ordered so one site's alerts are contiguous.
func (p *Postgres) UnprocessedSiteAlerts(ctx context.Context, since time.Time) ([]models.SiteAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM site_alerts
		WHERE is_processed = false AND event_date >= $1
		ORDER BY site_id, event_date`

	rows, err := p.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.SiteAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// UnassignedSiteAlerts returns alerts not yet attached to an incident,
// ordered by (site, event time) for the incident tracker.
func (p *Postgres) UnassignedSiteAlerts(ctx context.Context, since time.Time) ([]models.SiteAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM site_alerts
		WHERE incident_id IS NULL AND event_date >= $1
		ORDER BY site_id, event_date`

	rows, err := p.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query unassigned alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.SiteAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// InsertSiteAlerts stores upstream-matched alerts, ignoring ids already seen.
func (p *Postgres) InsertSiteAlerts(ctx context.Context, alerts []models.SiteAlert) (int, error) {
	batch := &pgx.Batch{}
	for _, a := range alerts {
		batch.Queue(`INSERT INTO site_alerts
			(id, site_id, latitude, longitude, confidence, distance, detected_by, event_date, is_processed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)
			ON CONFLICT (id) DO NOTHING`,
			a.ID, a.SiteID, a.Latitude, a.Longitude, a.Confidence, a.Distance, a.DetectedBy, a.EventDate)
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range alerts {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert site alert: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ---- sites and channels ----

// SitesByID loads the throttle-relevant site fields for a set of sites.
func (p *Postgres) SitesByID(ctx context.Context, ids []string) (map[string]models.Site, error) {
	query := `SELECT id, name, owner_id, monitoring_enabled, last_message_created
		FROM sites WHERE id = ANY($1)`

	rows, err := p.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query sites: %w", err)
	}
	defer rows.Close()

	sites := make(map[string]models.Site, len(ids))
	for rows.Next() {
		var s models.Site
		if err := rows.Scan(&s.ID, &s.Name, &s.OwnerID, &s.MonitoringEnabled, &s.LastMessageCreated); err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites[s.ID] = s
	}
	return sites, rows.Err()
}

// SiteChannels returns the verified and enabled channels reachable from each
// site through its owner and co-owners, deduplicated by (type, destination)
// per site with the owner's channel winning over a co-owner's duplicate.
func (p *Postgres) SiteChannels(ctx context.Context, siteIDs []string) (map[string][]models.Channel, error) {
	query := `SELECT sm.site_id, c.id, c.user_id, c.type, c.destination, c.is_verified, c.is_enabled, c.fail_count
		FROM channels c
		JOIN (
			SELECT id AS site_id, owner_id AS user_id, true AS is_owner FROM sites WHERE id = ANY($1)
			UNION
			SELECT site_id, user_id, false AS is_owner FROM site_members WHERE site_id = ANY($1)
		) sm ON sm.user_id = c.user_id
		WHERE c.is_verified = true AND c.is_enabled = true
		ORDER BY sm.site_id, sm.is_owner DESC, c.id`

	rows, err := p.pool.Query(ctx, query, siteIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query site channels: %w", err)
	}
	defer rows.Close()

	var scanned []SiteChannelRow
	for rows.Next() {
		var r SiteChannelRow
		c := &r.Channel
		if err := rows.Scan(&r.SiteID, &c.ID, &c.UserID, &c.Type, &c.Destination, &c.IsVerified, &c.IsEnabled, &c.FailCount); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		scanned = append(scanned, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return DedupSiteChannels(scanned), nil
}

// VerifiedEmailChannel returns one usable email channel for a user, or nil.
func (p *Postgres) VerifiedEmailChannel(ctx context.Context, userID string) (*models.Channel, error) {
	query := `SELECT id, user_id, type, destination, is_verified, is_enabled, fail_count
		FROM channels
		WHERE user_id = $1 AND type = $2 AND is_verified = true AND is_enabled = true
		ORDER BY id LIMIT 1`

	var c models.Channel
	err := p.pool.QueryRow(ctx, query, userID, models.ChannelEmail).
		Scan(&c.ID, &c.UserID, &c.Type, &c.Destination, &c.IsVerified, &c.IsEnabled, &c.FailCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query email channel: %w", err)
	}
	return &c, nil
}

// IncrementChannelFailure bumps fail_count on every enabled channel with the
// given type and destination and returns the updated rows.
func (p *Postgres) IncrementChannelFailure(ctx context.Context, t models.ChannelType, destination string) ([]models.Channel, error) {
	query := `UPDATE channels SET fail_count = fail_count + 1
		WHERE type = $1 AND destination = $2 AND is_enabled = true
		RETURNING id, user_id, type, destination, is_verified, is_enabled, fail_count`

	rows, err := p.pool.Query(ctx, query, t, destination)
	if err != nil {
		return nil, fmt.Errorf("failed to increment channel failures: %w", err)
	}
	defer rows.Close()

	var updated []models.Channel
	for rows.Next() {
		var c models.Channel
		if err := rows.Scan(&c.ID, &c.UserID, &c.Type, &c.Destination, &c.IsVerified, &c.IsEnabled, &c.FailCount); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		updated = append(updated, c)
	}
	return updated, rows.Err()
}

// DisableChannels turns off delivery for the given channel ids.
func (p *Postgres) DisableChannels(ctx context.Context, ids []string) error {
	_, err := p.pool.Exec(ctx, `UPDATE channels SET is_enabled = false WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to disable channels: %w", err)
	}
	return nil
}

// DeleteChannels removes every channel pointing at a destination that can
// never be delivered to (e.g. a legally restricted number).
func (p *Postgres) DeleteChannels(ctx context.Context, t models.ChannelType, destination string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE type = $1 AND destination = $2`, t, destination)
	if err != nil {
		return fmt.Errorf("failed to delete channels: %w", err)
	}
	return nil
}

// ---- incidents ----

const incidentColumns = `id, site_id, is_active, started_at, ended_at, first_alert_id, latest_alert_id, closing_alert_id, is_processed`

func scanIncident(row pgx.Row) (models.Incident, error) {
	var i models.Incident
	err := row.Scan(&i.ID, &i.SiteID, &i.IsActive, &i.StartedAt, &i.EndedAt,
		&i.FirstAlertID, &i.LatestAlertID, &i.ClosingAlertID, &i.IsProcessed)
	return i, err
}

// ActiveIncidents returns the open incident per site, keyed by site id.
func (p *Postgres) ActiveIncidents(ctx context.Context, siteIDs []string) (map[string]models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE is_active = true AND site_id = ANY($1)`

	rows, err := p.pool.Query(ctx, query, siteIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query active incidents: %w", err)
	}
	defer rows.Close()

	incidents := make(map[string]models.Incident)
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents[i.SiteID] = i
	}
	return incidents, rows.Err()
}

// OpenIncident creates an incident and attaches its opening alerts in one
// transaction.
func (p *Postgres) OpenIncident(ctx context.Context, inc models.Incident, alertIDs []string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO incidents
		(id, site_id, is_active, started_at, first_alert_id, latest_alert_id, is_processed)
		VALUES ($1, $2, true, $3, $4, $5, false)`,
		inc.ID, inc.SiteID, inc.StartedAt, inc.FirstAlertID, inc.LatestAlertID)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE site_alerts SET incident_id = $1 WHERE id = ANY($2)`, inc.ID, alertIDs)
	if err != nil {
		return fmt.Errorf("failed to attach alerts to incident: %w", err)
	}

	return tx.Commit(ctx)
}

// ExtendIncident advances the latest-alert pointer and attaches new alerts.
func (p *Postgres) ExtendIncident(ctx context.Context, incidentID, latestAlertID string, alertIDs []string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `UPDATE incidents SET latest_alert_id = $1 WHERE id = $2 AND is_active = true`,
		latestAlertID, incidentID)
	if err != nil {
		return fmt.Errorf("failed to extend incident: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE site_alerts SET incident_id = $1 WHERE id = ANY($2)`, incidentID, alertIDs)
	if err != nil {
		return fmt.Errorf("failed to attach alerts to incident: %w", err)
	}

	return tx.Commit(ctx)
}

// StaleActiveIncidents returns open incidents whose newest alert predates
// the cutoff, along with that alert's event time.
func (p *Postgres) StaleActiveIncidents(ctx context.Context, cutoff time.Time) ([]StaleIncident, error) {
	query := `SELECT i.id, i.site_id, i.is_active, i.started_at, i.ended_at,
			i.first_alert_id, i.latest_alert_id, i.closing_alert_id, i.is_processed, a.event_date
		FROM incidents i
		JOIN site_alerts a ON a.id = i.latest_alert_id
		WHERE i.is_active = true AND a.event_date < $1`

	rows, err := p.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale incidents: %w", err)
	}
	defer rows.Close()

	var incidents []StaleIncident
	for rows.Next() {
		var s StaleIncident
		if err := rows.Scan(&s.ID, &s.SiteID, &s.IsActive, &s.StartedAt, &s.EndedAt,
			&s.FirstAlertID, &s.LatestAlertID, &s.ClosingAlertID, &s.IsProcessed, &s.LatestAlertAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, s)
	}
	return incidents, rows.Err()
}

// CloseIncident ends an open incident and re-queues it for the per-incident
// creation lane. Returns false if the incident was already closed, which
// makes the watchdog safe to re-run.
func (p *Postgres) CloseIncident(ctx context.Context, incidentID string, endedAt time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE incidents
		SET is_active = false, ended_at = $1, closing_alert_id = latest_alert_id, is_processed = false
		WHERE id = $2 AND is_active = true`,
		endedAt, incidentID)
	if err != nil {
		return false, fmt.Errorf("failed to close incident: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UnprocessedIncidents returns incidents awaiting boundary notifications,
// ordered by (site, start time).
func (p *Postgres) UnprocessedIncidents(ctx context.Context) ([]models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE is_processed = false
		ORDER BY site_id, started_at`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed incidents: %w", err)
	}
	defer rows.Close()

	var incidents []models.Incident
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, i)
	}
	return incidents, rows.Err()
}

// IncidentAlertCounts returns the number of alerts attached to each incident.
func (p *Postgres) IncidentAlertCounts(ctx context.Context, incidentIDs []string) (map[string]int, error) {
	query := `SELECT incident_id, COUNT(*) FROM site_alerts WHERE incident_id = ANY($1) GROUP BY incident_id`

	rows, err := p.pool.Query(ctx, query, incidentIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to count incident alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int, len(incidentIDs))
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan alert count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// ---- notifications ----

const notificationColumns = `id, site_alert_id, channel_type, destination, status, is_delivered, is_skipped, sent_at, metadata`

func scanNotification(row pgx.Row) (models.NotificationRecord, error) {
	var n models.NotificationRecord
	err := row.Scan(&n.ID, &n.SiteAlertID, &n.ChannelType, &n.Destination, &n.Status,
		&n.IsDelivered, &n.IsSkipped, &n.SentAt, &n.Metadata)
	return n, err
}

func queueNotificationInsert(batch *pgx.Batch, n models.NotificationRecord) {
	batch.Queue(`INSERT INTO notifications
		(id, site_alert_id, channel_type, destination, status, is_delivered, is_skipped, metadata)
		VALUES ($1, $2, $3, $4, $5, false, false, $6)`,
		n.ID, n.SiteAlertID, n.ChannelType, n.Destination, n.Status, n.Metadata)
}

// CommitEventChunk atomically marks a chunk of alerts processed, inserts the
// notifications created for them and stamps the throttle gate on every site
// that got a throttled-channel notification. All or nothing: a crash between
// reads and this commit never produces duplicates on the next run.
func (p *Postgres) CommitEventChunk(ctx context.Context, alertIDs []string, records []models.NotificationRecord, throttledSiteIDs []string, now time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`UPDATE site_alerts SET is_processed = true WHERE id = ANY($1)`, alertIDs)
	for _, n := range records {
		queueNotificationInsert(batch, n)
	}
	if len(throttledSiteIDs) > 0 {
		batch.Queue(`UPDATE sites SET last_message_created = $1 WHERE id = ANY($2)`, now, throttledSiteIDs)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to commit event chunk: %w", err)
	}
	return tx.Commit(ctx)
}

// CommitIncidentNotifications inserts one incident's boundary notifications
// and marks the incident processed in the same transaction. The mark is
// guarded on the is_active value the caller observed: if the watchdog closed
// the incident in between, nothing commits and false is returned, so the
// next lane run sees the close and emits the END records instead.
func (p *Postgres) CommitIncidentNotifications(ctx context.Context, incidentID string, isActive bool, records []models.NotificationRecord) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE incidents SET is_processed = true WHERE id = $1 AND is_active = $2`,
		incidentID, isActive)
	if err != nil {
		return false, fmt.Errorf("failed to mark incident processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if len(records) > 0 {
		batch := &pgx.Batch{}
		for _, n := range records {
			queueNotificationInsert(batch, n)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, fmt.Errorf("failed to commit incident notifications: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// PendingNotifications fetches the next batch of undelivered, unskipped
// records in the given statuses, optionally excluding channel types that are
// globally disabled.
func (p *Postgres) PendingNotifications(ctx context.Context, statuses []models.NotificationStatus, exclude []models.ChannelType, limit int) ([]models.NotificationRecord, error) {
	statusArgs := make([]string, len(statuses))
	for i, s := range statuses {
		statusArgs[i] = string(s)
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE is_delivered = false AND is_skipped = false AND status = ANY($1)`
	args := []any{statusArgs}

	if len(exclude) > 0 {
		excludeArgs := make([]string, len(exclude))
		for i, t := range exclude {
			excludeArgs[i] = string(t)
		}
		query += ` AND channel_type <> ALL($2)`
		args = append(args, excludeArgs)
	}
	query += fmt.Sprintf(` ORDER BY id LIMIT %d`, limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending notifications: %w", err)
	}
	defer rows.Close()

	var records []models.NotificationRecord
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		records = append(records, n)
	}
	return records, rows.Err()
}

// MarkDelivered bulk-finalises successful dispatches: delivered flag, sent
// timestamp, status advanced to its terminal variant, provider message id
// captured for the async carrier callback, and fail counters reset on the
// channels that just proved healthy.
func (p *Postgres) MarkDelivered(ctx context.Context, updates []DeliveryUpdate, sentAt time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, u := range updates {
		extra := map[string]any{}
		if u.ProviderMessageID != "" {
			extra[models.MetaProviderMessageID] = u.ProviderMessageID
		}
		batch.Queue(`UPDATE notifications
			SET is_delivered = true, sent_at = $1, status = $2,
				metadata = COALESCE(metadata, '{}'::jsonb) || $3
			WHERE id = $4`,
			sentAt, u.Status, extra, u.NotificationID)
		batch.Queue(`UPDATE channels SET fail_count = 0 WHERE type = $1 AND destination = $2`,
			u.ChannelType, u.Destination)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to mark notifications delivered: %w", err)
	}
	return tx.Commit(ctx)
}

// MarkSkipped abandons failed records. Skipped records are never retried by
// this pipeline; fresh upstream events create fresh records.
func (p *Postgres) MarkSkipped(ctx context.Context, ids []string) error {
	_, err := p.pool.Exec(ctx, `UPDATE notifications SET is_skipped = true WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to mark notifications skipped: %w", err)
	}
	return nil
}

// DeleteNotification removes a record that must never be reattempted.
func (p *Postgres) DeleteNotification(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	return nil
}

// NotificationByProviderMessageID resolves a carrier status callback back to
// the record that produced the message. Returns nil when unknown.
func (p *Postgres) NotificationByProviderMessageID(ctx context.Context, messageID string) (*models.NotificationRecord, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE metadata->>'` + models.MetaProviderMessageID + `' = $1 LIMIT 1`

	n, err := scanNotification(p.pool.QueryRow(ctx, query, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query notification by message id: %w", err)
	}
	return &n, nil
}

// SetDeliveryOutcome corrects a record after an asynchronous carrier status.
func (p *Postgres) SetDeliveryOutcome(ctx context.Context, id string, delivered bool) error {
	_, err := p.pool.Exec(ctx, `UPDATE notifications SET is_delivered = $1, is_skipped = $2 WHERE id = $3`,
		delivered, !delivered, id)
	if err != nil {
		return fmt.Errorf("failed to set delivery outcome: %w", err)
	}
	return nil
}
