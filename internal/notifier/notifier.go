package notifier

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
)

// ErrRestrictedDestination marks a destination that must never be attempted
// (e.g. a legally restricted number). The pipeline deletes the offending
// record and channel instead of skipping them.
var ErrRestrictedDestination = errors.New("destination is restricted")

// Kind selects how a sender words the message.
type Kind string

const (
	KindEvent           Kind = "event"
	KindIncidentStart   Kind = "incident-start"
	KindIncidentEnd     Kind = "incident-end"
	KindChannelDisabled Kind = "channel-disabled"
)

// Params carries the message inputs. Each sender applies its own formatting
// and gateway encoding.
type Params struct {
	Kind            Kind
	SiteID          string
	SiteName        string
	IncidentID      string
	DetectionCount  int
	DurationMinutes int

	// Set for KindChannelDisabled fallback notices.
	DisabledChannelType models.ChannelType
}

// Subject is the short form used for email subjects and push titles.
func (p Params) Subject() string {
	switch p.Kind {
	case KindIncidentStart:
		return fmt.Sprintf("Fire detected at %s", p.SiteName)
	case KindIncidentEnd:
		return fmt.Sprintf("Fire at %s has ended", p.SiteName)
	case KindChannelDisabled:
		return fmt.Sprintf("Your %s alerts have been disabled", p.DisabledChannelType)
	}
	return fmt.Sprintf("Fire alert at %s", p.SiteName)
}

// Message is the long form used for message bodies.
func (p Params) Message() string {
	switch p.Kind {
	case KindIncidentStart:
		return fmt.Sprintf("A fire has been detected at %s. You will be notified when activity stops.", p.SiteName)
	case KindIncidentEnd:
		return fmt.Sprintf("The fire at %s has shown no activity for a while and is considered over. It lasted %d minutes with %d detections.",
			p.SiteName, p.DurationMinutes, p.DetectionCount)
	case KindChannelDisabled:
		return fmt.Sprintf("Your %s alert channel was disabled after repeated delivery failures. Verify it again to re-enable alerts.",
			p.DisabledChannelType)
	}
	return fmt.Sprintf("A fire was detected at %s.", p.SiteName)
}

// Result is the outcome of one dispatch attempt.
type Result struct {
	Delivered bool
	// ProviderMessageID is set by carriers that confirm delivery
	// asynchronously; the status callback matches on it later.
	ProviderMessageID string
}

// Notifier sends one message through one gateway. Ordinary delivery failure
// is reported through Result.Delivered, never through the error: the only
// error a sender may return is ErrRestrictedDestination.
type Notifier interface {
	SupportedTypes() []models.ChannelType
	Notify(ctx context.Context, destination string, params Params) (Result, error)
}

// Registry dispatches from channel type to the sender registered for it.
// Built once at startup; duplicate registrations and lookups of unknown
// types are programmer errors and panic.
type Registry struct {
	byType map[models.ChannelType]Notifier
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[models.ChannelType]Notifier)}
}

// Register claims every channel type the sender supports.
func (r *Registry) Register(n Notifier) {
	for _, t := range n.SupportedTypes() {
		if _, exists := r.byType[t]; exists {
			panic(fmt.Sprintf("notifier: channel type %q registered twice", t))
		}
		r.byType[t] = n
		log.Printf("Registered notifier for channel type: %s", t)
	}
}

// Lookup returns the sender for a channel type. An unknown type means a
// notification record with a channel type nothing can deliver, which is a
// data-integrity bug rather than a runtime condition.
func (r *Registry) Lookup(t models.ChannelType) Notifier {
	n, ok := r.byType[t]
	if !ok {
		panic(fmt.Sprintf("notifier: no sender registered for channel type %q", t))
	}
	return n
}

// Types returns the channel types with a registered sender.
func (r *Registry) Types() []models.ChannelType {
	types := make([]models.ChannelType, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	return types
}
