package delivery

import (
	"context"
	"fmt"
	"log"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/eventbus"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/notifier"
)

// FailureStore is the channel-health surface of the failure handler.
type FailureStore interface {
	IncrementChannelFailure(ctx context.Context, t models.ChannelType, destination string) ([]models.Channel, error)
	DisableChannels(ctx context.Context, ids []string) error
	VerifiedEmailChannel(ctx context.Context, userID string) (*models.Channel, error)
}

// DefaultFailureThresholds returns the per-type disablement thresholds.
// A channel is disabled once its post-increment fail count reaches the
// threshold minus one.
func DefaultFailureThresholds() map[models.ChannelType]int {
	return map[models.ChannelType]int{
		models.ChannelSMS:      3,
		models.ChannelDevice:   3,
		models.ChannelWhatsApp: 3,
		models.ChannelEmail:    10,
		models.ChannelWebhook:  20,
	}
}

// FailureHandler tracks per-channel delivery failures, disables channels
// that keep failing and tells the owner over email when a personal channel
// goes dark.
type FailureHandler struct {
	store      FailureStore
	registry   *notifier.Registry
	events     eventbus.Events
	thresholds map[models.ChannelType]int
}

func NewFailureHandler(st FailureStore, registry *notifier.Registry, events eventbus.Events, thresholds map[models.ChannelType]int) *FailureHandler {
	if thresholds == nil {
		thresholds = DefaultFailureThresholds()
	}
	return &FailureHandler{store: st, registry: registry, events: events, thresholds: thresholds}
}

// RecordFailure bumps the fail count on every enabled channel with this
// (type, destination) pair and disables the ones that crossed their
// threshold. Fallback notification problems are logged, never escalated.
func (h *FailureHandler) RecordFailure(ctx context.Context, t models.ChannelType, destination string) error {
	channels, err := h.store.IncrementChannelFailure(ctx, t, destination)
	if err != nil {
		return fmt.Errorf("failed to record channel failure: %w", err)
	}

	threshold, ok := h.thresholds[t]
	if !ok {
		return nil
	}

	var disabled []models.Channel
	for _, ch := range channels {
		if ch.FailCount >= threshold-1 {
			disabled = append(disabled, ch)
		}
	}
	if len(disabled) == 0 {
		return nil
	}

	ids := make([]string, len(disabled))
	for i, ch := range disabled {
		ids[i] = ch.ID
	}
	if err := h.store.DisableChannels(ctx, ids); err != nil {
		return fmt.Errorf("failed to disable channels: %w", err)
	}

	for _, ch := range disabled {
		ch.IsEnabled = false
		log.Printf("Channel disabled after %d failures: type=%s destination=%s", ch.FailCount, ch.Type, ch.Destination)
		h.events.ChannelDisabled(ch)

		if isPersonalType(ch.Type) {
			h.sendFallbackNotice(ctx, ch)
		}
	}
	return nil
}

// sendFallbackNotice emails the owner of a disabled personal channel so they
// know alerts stopped. A user without a usable email channel is logged and
// left alone.
func (h *FailureHandler) sendFallbackNotice(ctx context.Context, ch models.Channel) {
	email, err := h.store.VerifiedEmailChannel(ctx, ch.UserID)
	if err != nil {
		log.Printf("Failed to look up fallback email for user %s: %v", ch.UserID, err)
		return
	}
	if email == nil {
		log.Printf("No fallback email channel for user %s, skipping disablement notice", ch.UserID)
		return
	}

	params := notifier.Params{
		Kind:                notifier.KindChannelDisabled,
		DisabledChannelType: ch.Type,
	}
	res, err := h.registry.Lookup(models.ChannelEmail).Notify(ctx, email.Destination, params)
	if err != nil || !res.Delivered {
		log.Printf("Failed to deliver disablement notice to %s", email.Destination)
	}
}

// isPersonalType reports whether a channel reaches the user directly, which
// warrants a heads-up when it gets disabled.
func isPersonalType(t models.ChannelType) bool {
	switch t {
	case models.ChannelSMS, models.ChannelDevice, models.ChannelWhatsApp:
		return true
	}
	return false
}
