package delivery_test

import (
	"context"
	"sync"
	"time"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/notifier"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/store"
)

// mockStore implements delivery.Store and delivery.FailureStore
type mockStore struct {
	records  []models.NotificationRecord
	channels []models.Channel
	emails   map[string]*models.Channel // fallback email per user

	delivered       []store.DeliveryUpdate
	skipped         []string
	deletedRecords  []string
	deletedChannels []string
	disabledIDs     []string
	fallbackLookups []string
}

func (m *mockStore) PendingNotifications(ctx context.Context, statuses []models.NotificationStatus, exclude []models.ChannelType, limit int) ([]models.NotificationRecord, error) {
	wanted := make(map[models.NotificationStatus]bool)
	for _, s := range statuses {
		wanted[s] = true
	}
	excluded := make(map[models.ChannelType]bool)
	for _, t := range exclude {
		excluded[t] = true
	}

	var out []models.NotificationRecord
	for _, r := range m.records {
		if r.IsDelivered || r.IsSkipped || !wanted[r.Status] || excluded[r.ChannelType] {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) MarkDelivered(ctx context.Context, updates []store.DeliveryUpdate, sentAt time.Time) error {
	m.delivered = append(m.delivered, updates...)
	for _, u := range updates {
		for i := range m.records {
			if m.records[i].ID == u.NotificationID {
				m.records[i].IsDelivered = true
				m.records[i].Status = u.Status
				t := sentAt
				m.records[i].SentAt = &t
			}
		}
		for i := range m.channels {
			if m.channels[i].Type == u.ChannelType && m.channels[i].Destination == u.Destination {
				m.channels[i].FailCount = 0
			}
		}
	}
	return nil
}

func (m *mockStore) MarkSkipped(ctx context.Context, ids []string) error {
	m.skipped = append(m.skipped, ids...)
	for _, id := range ids {
		for i := range m.records {
			if m.records[i].ID == id {
				m.records[i].IsSkipped = true
			}
		}
	}
	return nil
}

func (m *mockStore) DeleteNotification(ctx context.Context, id string) error {
	m.deletedRecords = append(m.deletedRecords, id)
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].IsSkipped = true // out of the pending set either way
		}
	}
	return nil
}

func (m *mockStore) DeleteChannels(ctx context.Context, t models.ChannelType, destination string) error {
	m.deletedChannels = append(m.deletedChannels, string(t)+":"+destination)
	return nil
}

func (m *mockStore) IncrementChannelFailure(ctx context.Context, t models.ChannelType, destination string) ([]models.Channel, error) {
	var updated []models.Channel
	for i := range m.channels {
		if m.channels[i].Type == t && m.channels[i].Destination == destination && m.channels[i].IsEnabled {
			m.channels[i].FailCount++
			updated = append(updated, m.channels[i])
		}
	}
	return updated, nil
}

func (m *mockStore) DisableChannels(ctx context.Context, ids []string) error {
	m.disabledIDs = append(m.disabledIDs, ids...)
	for _, id := range ids {
		for i := range m.channels {
			if m.channels[i].ID == id {
				m.channels[i].IsEnabled = false
			}
		}
	}
	return nil
}

func (m *mockStore) VerifiedEmailChannel(ctx context.Context, userID string) (*models.Channel, error) {
	m.fallbackLookups = append(m.fallbackLookups, userID)
	return m.emails[userID], nil
}

func (m *mockStore) channelByID(id string) *models.Channel {
	for i := range m.channels {
		if m.channels[i].ID == id {
			return &m.channels[i]
		}
	}
	return nil
}

// scriptedSender delivers or fails per destination and records every call.
type scriptedSender struct {
	mu         sync.Mutex
	types      []models.ChannelType
	fail       map[string]bool
	restricted map[string]bool
	messageIDs map[string]string
	calls      []string
}

func (s *scriptedSender) SupportedTypes() []models.ChannelType { return s.types }

func (s *scriptedSender) Notify(ctx context.Context, destination string, params notifier.Params) (notifier.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, destination)
	s.mu.Unlock()

	if s.restricted[destination] {
		return notifier.Result{}, notifier.ErrRestrictedDestination
	}
	if s.fail[destination] {
		return notifier.Result{}, nil
	}
	return notifier.Result{Delivered: true, ProviderMessageID: s.messageIDs[destination]}, nil
}
