package routing

import "github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"

// Lane is the processing path a channel type is routed through.
type Lane int

const (
	// LaneUnknown is returned for channel types the classifier does not know.
	LaneUnknown Lane = iota
	// LanePerEvent channels get one notification per detection, unthrottled.
	LanePerEvent
	// LanePerIncident channels get one notification per incident boundary.
	LanePerIncident
)

func (l Lane) String() string {
	switch l {
	case LanePerEvent:
		return "per-event"
	case LanePerIncident:
		return "per-incident"
	}
	return "unknown"
}

var lanes = map[models.ChannelType]Lane{
	models.ChannelDevice:   LanePerEvent,
	models.ChannelWebhook:  LanePerEvent,
	models.ChannelEmail:    LanePerIncident,
	models.ChannelSMS:      LanePerIncident,
	models.ChannelWhatsApp: LanePerIncident,
}

// LaneFor maps a channel type to its processing lane.
func LaneFor(t models.ChannelType) Lane {
	return lanes[t]
}

// IsValidChannelType reports whether t is one of the supported channel types.
func IsValidChannelType(t models.ChannelType) bool {
	_, ok := lanes[t]
	return ok
}

// Throttled reports whether deliveries to t are gated by the per-site
// message throttle when created from raw alerts.
func Throttled(t models.ChannelType) bool {
	return lanes[t] == LanePerIncident
}
