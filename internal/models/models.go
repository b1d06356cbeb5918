package models

import (
	"time"

	"github.com/google/uuid"
)

// ChannelType identifies a delivery method a user has configured
type ChannelType string

const (
	ChannelDevice   ChannelType = "device"
	ChannelWebhook  ChannelType = "webhook"
	ChannelEmail    ChannelType = "email"
	ChannelSMS      ChannelType = "sms"
	ChannelWhatsApp ChannelType = "whatsapp"
)

// NotificationStatus tracks a notification through its delivery state machine.
// Per-event records move EVENT_SCHEDULED -> EVENT_SENT; incident boundary
// records move START_SCHEDULED -> START_SENT or END_SCHEDULED -> END_SENT.
type NotificationStatus string

const (
	StatusEventScheduled NotificationStatus = "EVENT_SCHEDULED"
	StatusEventSent      NotificationStatus = "EVENT_SENT"
	StatusStartScheduled NotificationStatus = "START_SCHEDULED"
	StatusStartSent      NotificationStatus = "START_SENT"
	StatusEndScheduled   NotificationStatus = "END_SCHEDULED"
	StatusEndSent        NotificationStatus = "END_SENT"
)

// Sent returns the terminal variant for a scheduled status.
// The second return is false for statuses that are already terminal.
func (s NotificationStatus) Sent() (NotificationStatus, bool) {
	switch s {
	case StatusEventScheduled:
		return StatusEventSent, true
	case StatusStartScheduled:
		return StatusStartSent, true
	case StatusEndScheduled:
		return StatusEndSent, true
	}
	return s, false
}

// Detection is a raw geo-located fire event produced by the upstream
// satellite matchers. Read-only input to this pipeline.
type Detection struct {
	ID         string    `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Confidence string    `json:"confidence"`
	Instrument string    `json:"instrument"`
	Source     string    `json:"source"`
	DetectedAt time.Time `json:"detected_at"`
}

// Site is a monitored geographic area. Only the fields the pipeline
// reads are carried here; site CRUD lives elsewhere.
type Site struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	OwnerID            string     `json:"owner_id"`
	MonitoringEnabled  bool       `json:"monitoring_enabled"`
	LastMessageCreated *time.Time `json:"last_message_created,omitempty"`
}

// SiteAlert is a Detection matched to a Site by the upstream geo matcher.
// Consumed exactly once by the per-event creation lane.
type SiteAlert struct {
	ID          string    `json:"id"`
	SiteID      string    `json:"site_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Confidence  string    `json:"confidence"`
	Distance    float64   `json:"distance"` // metres outside the site boundary, 0 if inside
	DetectedBy  string    `json:"detected_by"`
	EventDate   time.Time `json:"event_date"`
	IsProcessed bool      `json:"is_processed"`
	IncidentID  *string   `json:"incident_id,omitempty"`
}

// Incident is a contiguous burst of SiteAlerts at one site, bounded by
// inactivity. At most one active incident exists per site.
type Incident struct {
	ID             string     `json:"id"`
	SiteID         string     `json:"site_id"`
	IsActive       bool       `json:"is_active"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	FirstAlertID   string     `json:"first_alert_id"`
	LatestAlertID  string     `json:"latest_alert_id"`
	ClosingAlertID *string    `json:"closing_alert_id,omitempty"`
	IsProcessed    bool       `json:"is_processed"`
}

// DurationMinutes returns how long the incident was open.
// Zero while the incident is still active.
func (i *Incident) DurationMinutes() int {
	if i.EndedAt == nil {
		return 0
	}
	return int(i.EndedAt.Sub(i.StartedAt) / time.Minute)
}

// Channel is a user-configured notification method and its health state.
type Channel struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Type        ChannelType `json:"type"`
	Destination string      `json:"destination"`
	IsVerified  bool        `json:"is_verified"`
	IsEnabled   bool        `json:"is_enabled"`
	FailCount   int         `json:"fail_count"`
}

// NotificationRecord is the unit of delivery work. Created by one of the
// two creation lanes, consumed exactly once by the delivery pipeline.
// Terminal when IsDelivered or IsSkipped is set.
type NotificationRecord struct {
	ID          string             `json:"id"`
	SiteAlertID string             `json:"site_alert_id"`
	ChannelType ChannelType        `json:"channel_type"`
	Destination string             `json:"destination"`
	Status      NotificationStatus `json:"status"`
	IsDelivered bool               `json:"is_delivered"`
	IsSkipped   bool               `json:"is_skipped"`
	SentAt      *time.Time         `json:"sent_at,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// Metadata keys shared between the creation lanes, the delivery pipeline
// and the carrier status callback.
const (
	MetaIncidentID        = "incidentId"
	MetaSiteID            = "siteId"
	MetaSiteName          = "siteName"
	MetaDetectionCount    = "detectionCount"
	MetaDurationMinutes   = "durationMinutes"
	MetaProviderMessageID = "providerMessageId"
)

func NewID() string {
	return uuid.NewString()
}
