package api_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/api"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/delivery"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/eventbus"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/joblock"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/notifier"
)

const testSecret = "cron-secret"

type mockBackend struct {
	pingErr error

	inserted []models.SiteAlert

	recordsByMessageID map[string]*models.NotificationRecord
	outcomes           map[string]bool

	failures []string
}

func (m *mockBackend) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockBackend) InsertSiteAlerts(ctx context.Context, alerts []models.SiteAlert) (int, error) {
	m.inserted = append(m.inserted, alerts...)
	return len(alerts), nil
}

func (m *mockBackend) NotificationByProviderMessageID(ctx context.Context, messageID string) (*models.NotificationRecord, error) {
	return m.recordsByMessageID[messageID], nil
}

func (m *mockBackend) SetDeliveryOutcome(ctx context.Context, id string, delivered bool) error {
	if m.outcomes == nil {
		m.outcomes = map[string]bool{}
	}
	m.outcomes[id] = delivered
	return nil
}

func (m *mockBackend) IncrementChannelFailure(ctx context.Context, t models.ChannelType, destination string) ([]models.Channel, error) {
	m.failures = append(m.failures, string(t)+":"+destination)
	return nil, nil
}

func (m *mockBackend) DisableChannels(ctx context.Context, ids []string) error { return nil }

func (m *mockBackend) VerifiedEmailChannel(ctx context.Context, userID string) (*models.Channel, error) {
	return nil, nil
}

// denyLocker refuses every lease, as if another invocation held it.
type denyLocker struct{}

func (denyLocker) Acquire(ctx context.Context, job string, ttl time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func newTestServer(backend *mockBackend, locker joblock.Locker, jobs api.Jobs) http.Handler {
	failures := delivery.NewFailureHandler(backend, notifier.NewRegistry(), eventbus.Nop{}, nil)
	callback := api.NewCarrierCallback(testSecret, backend, failures)
	return api.NewServer(testSecret, locker, backend, backend, callback, jobs).Handler()
}

func countingRunner(n *int) api.Runner {
	return func(ctx context.Context) (int, error) {
		*n++
		return 5, nil
	}
}

func TestJobEndpoint_RequiresSecret(t *testing.T) {
	ran := 0
	h := newTestServer(&mockBackend{}, joblock.Nop{}, api.Jobs{TrackIncidents: countingRunner(&ran)})

	for _, target := range []string{
		"/api/cron/track-incidents",
		"/api/cron/track-incidents?secret=wrong",
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
	assert.Zero(t, ran)
}

func TestJobEndpoint_RunsAndReportsCount(t *testing.T) {
	ran := 0
	h := newTestServer(&mockBackend{}, joblock.Nop{}, api.Jobs{TrackIncidents: countingRunner(&ran)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cron/track-incidents?secret="+testSecret, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ran)
	assert.JSONEq(t, `{"job":"track-incidents","processed":5}`, rec.Body.String())
}

func TestJobEndpoint_RepeatInvocationIsSafe(t *testing.T) {
	ran := 0
	h := newTestServer(&mockBackend{}, joblock.Nop{}, api.Jobs{SendEventNotifications: countingRunner(&ran)})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cron/send-event-notifications?secret="+testSecret, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 3, ran)
}

func TestJobEndpoint_HeldLockReturnsConflict(t *testing.T) {
	ran := 0
	h := newTestServer(&mockBackend{}, denyLocker{}, api.Jobs{CloseIncidents: countingRunner(&ran)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cron/close-incidents?secret="+testSecret, nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, ran)
}

func TestHealth(t *testing.T) {
	h := newTestServer(&mockBackend{}, joblock.Nop{}, api.Jobs{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestIngest_StoresAlerts(t *testing.T) {
	backend := &mockBackend{}
	h := newTestServer(backend, joblock.Nop{}, api.Jobs{})

	body := `[{"siteId":"s1","latitude":-33.9,"longitude":18.4,"confidence":"high","eventDate":"2024-08-01T12:00:00Z"}]`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/alerts?secret="+testSecret, strings.NewReader(body)))

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, backend.inserted, 1)
	assert.Equal(t, "s1", backend.inserted[0].SiteID)
	assert.NotEmpty(t, backend.inserted[0].ID, "missing ids are generated")
}

func TestIngest_RejectsAlertWithoutSite(t *testing.T) {
	backend := &mockBackend{}
	h := newTestServer(backend, joblock.Nop{}, api.Jobs{})

	body := `[{"latitude":1,"longitude":2,"eventDate":"2024-08-01T12:00:00Z"}]`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/alerts?secret="+testSecret, strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, backend.inserted)
}

func signedCallback(t *testing.T, form url.Values) *http.Request {
	t.Helper()
	body := form.Encode()

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/carrier-status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Carrier-Signature", hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestCarrierCallback_RejectsBadSignature(t *testing.T) {
	h := newTestServer(&mockBackend{}, joblock.Nop{}, api.Jobs{})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/carrier-status", strings.NewReader("MessageSid=SM1"))
	req.Header.Set("X-Carrier-Signature", "not-a-signature")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCarrierCallback_FailedStatusCorrectsRecordAndCountsFailure(t *testing.T) {
	backend := &mockBackend{
		recordsByMessageID: map[string]*models.NotificationRecord{
			"SM1": {ID: "n1", ChannelType: models.ChannelSMS, Destination: "+15550001", IsDelivered: true},
		},
	}
	h := newTestServer(backend, joblock.Nop{}, api.Jobs{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedCallback(t, url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"undelivered"}}))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, false, backend.outcomes["n1"])
	assert.Equal(t, []string{"sms:+15550001"}, backend.failures)
}

func TestCarrierCallback_DeliveredStatusConfirmsRecord(t *testing.T) {
	backend := &mockBackend{
		recordsByMessageID: map[string]*models.NotificationRecord{
			"SM2": {ID: "n2", ChannelType: models.ChannelSMS, Destination: "+15550001"},
		},
	}
	h := newTestServer(backend, joblock.Nop{}, api.Jobs{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedCallback(t, url.Values{"MessageSid": {"SM2"}, "MessageStatus": {"delivered"}}))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, true, backend.outcomes["n2"])
	assert.Empty(t, backend.failures)
}

func TestCarrierCallback_UnknownMessageIsAcknowledged(t *testing.T) {
	h := newTestServer(&mockBackend{}, joblock.Nop{}, api.Jobs{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedCallback(t, url.Values{"MessageSid": {"SM-unknown"}, "MessageStatus": {"delivered"}}))

	assert.Equal(t, http.StatusOK, rec.Code)
}
