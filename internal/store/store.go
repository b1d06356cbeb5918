package store

import (
	"time"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
)

// StaleIncident pairs an open incident with the event time of its newest
// alert, which fixes the close timestamp.
type StaleIncident struct {
	models.Incident
	LatestAlertAt time.Time
}

// SiteChannelRow is one (site, channel) pairing as read from the
// owner/co-owner join, in query order: owner channels first, then co-owner
// channels by channel id.
type SiteChannelRow struct {
	SiteID  string
	Channel models.Channel
}

// DedupSiteChannels groups rows by site, keeping the first channel per
// (site, type, destination). With owner rows first, an owner's channel
// shadows a co-owner's duplicate of the same destination.
func DedupSiteChannels(rows []SiteChannelRow) map[string][]models.Channel {
	type key struct {
		site        string
		channelType models.ChannelType
		destination string
	}
	seen := make(map[key]bool)

	channels := make(map[string][]models.Channel)
	for _, r := range rows {
		k := key{r.SiteID, r.Channel.Type, r.Channel.Destination}
		if seen[k] {
			continue
		}
		seen[k] = true
		channels[r.SiteID] = append(channels[r.SiteID], r.Channel)
	}
	return channels
}

// DeliveryUpdate carries the per-record outcome of a successful dispatch
// back to the store in one bulk write.
type DeliveryUpdate struct {
	NotificationID    string
	Status            models.NotificationStatus
	ChannelType       models.ChannelType
	Destination       string
	ProviderMessageID string
}
