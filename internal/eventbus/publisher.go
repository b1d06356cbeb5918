package eventbus

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
)

// Events is the boundary-event surface the pipeline stages publish to.
// Failures to publish are logged, never propagated: the event bus is a
// side channel, not part of the correctness contract.
type Events interface {
	IncidentOpened(incident models.Incident)
	IncidentClosed(incident models.Incident)
	NotificationDelivered(record models.NotificationRecord)
	ChannelDisabled(channel models.Channel)
}

// Nop discards all events. Used when publishing is disabled and in tests.
type Nop struct{}

func (Nop) IncidentOpened(models.Incident)                  {}
func (Nop) IncidentClosed(models.Incident)                  {}
func (Nop) NotificationDelivered(models.NotificationRecord) {}
func (Nop) ChannelDisabled(models.Channel)                  {}

// Publisher publishes pipeline events to NATS
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher connects to NATS with retry, mirroring how the rest of the
// deployment's services connect.
func NewPublisher(natsURL string) (*Publisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	log.Printf("Notification pipeline connected to NATS at %s", natsURL)

	return &Publisher{conn: conn}, nil
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to marshal %s event: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("Failed to publish %s event: %v", subject, err)
	}
}

// IncidentOpened publishes to the "incidents.opened" topic
func (p *Publisher) IncidentOpened(incident models.Incident) {
	p.publish("incidents.opened", incident)
	log.Printf("Published incident opened: site=%s incident=%s", incident.SiteID, incident.ID)
}

// IncidentClosed publishes to the "incidents.closed" topic
func (p *Publisher) IncidentClosed(incident models.Incident) {
	p.publish("incidents.closed", incident)
	log.Printf("Published incident closed: site=%s incident=%s", incident.SiteID, incident.ID)
}

// NotificationDelivered publishes to the "notifications.delivered" topic
func (p *Publisher) NotificationDelivered(record models.NotificationRecord) {
	p.publish("notifications.delivered", record)
}

// ChannelDisabled publishes to the "channels.disabled" topic
func (p *Publisher) ChannelDisabled(channel models.Channel) {
	p.publish("channels.disabled", channel)
	log.Printf("Published channel disabled: type=%s destination=%s", channel.Type, channel.Destination)
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
		log.Println("Notification pipeline disconnected from NATS")
	}
}

// IsConnected returns true if connected to NATS
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}
