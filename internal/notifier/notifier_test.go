package notifier_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/notifier"
)

type fakeNotifier struct {
	types []models.ChannelType
}

func (f *fakeNotifier) SupportedTypes() []models.ChannelType { return f.types }
func (f *fakeNotifier) Notify(ctx context.Context, destination string, params notifier.Params) (notifier.Result, error) {
	return notifier.Result{Delivered: true}, nil
}

func TestRegistry_LookupReturnsRegisteredSender(t *testing.T) {
	reg := notifier.NewRegistry()
	sender := &fakeNotifier{types: []models.ChannelType{models.ChannelDevice, models.ChannelWebhook}}
	reg.Register(sender)

	assert.Same(t, sender, reg.Lookup(models.ChannelDevice))
	assert.Same(t, sender, reg.Lookup(models.ChannelWebhook))
	assert.ElementsMatch(t, []models.ChannelType{models.ChannelDevice, models.ChannelWebhook}, reg.Types())
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	reg := notifier.NewRegistry()
	reg.Register(&fakeNotifier{types: []models.ChannelType{models.ChannelEmail}})

	assert.Panics(t, func() {
		reg.Register(&fakeNotifier{types: []models.ChannelType{models.ChannelEmail}})
	})
}

func TestRegistry_UnknownLookupPanics(t *testing.T) {
	reg := notifier.NewRegistry()
	assert.Panics(t, func() {
		reg.Lookup(models.ChannelSMS)
	})
}

func TestWebhook_TwoHundredIsDelivered(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &notifier.Webhook{}
	res, err := w.Notify(context.Background(), srv.URL, notifier.Params{Kind: notifier.KindEvent, SiteID: "s1", SiteName: "North Ridge"})

	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, "s1", got["siteId"])
	assert.Equal(t, "North Ridge", got["siteName"])
}

func TestWebhook_NonTwoHundredIsNotDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := &notifier.Webhook{}
	res, err := w.Notify(context.Background(), srv.URL, notifier.Params{Kind: notifier.KindEvent})

	require.NoError(t, err, "ordinary delivery failure must not surface as an error")
	assert.False(t, res.Delivered)
}

func TestWebhook_UnreachableIsNotDelivered(t *testing.T) {
	w := &notifier.Webhook{}
	res, err := w.Notify(context.Background(), "http://127.0.0.1:1", notifier.Params{Kind: notifier.KindEvent})

	require.NoError(t, err)
	assert.False(t, res.Delivered)
}

func TestSMS_CarriesProviderMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550001", r.PostForm.Get("To"))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "SM123", "status": "queued"})
	}))
	defer srv.Close()

	sms := &notifier.SMS{
		Carrier: &notifier.Carrier{AccountID: "AC1", AuthToken: "token", APIURL: srv.URL},
		From:    "+15559999",
	}
	res, err := sms.Notify(context.Background(), "+15550001", notifier.Params{Kind: notifier.KindIncidentStart, SiteName: "North Ridge"})

	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, "SM123", res.ProviderMessageID)
}

func TestSMS_RestrictedDestinationIsHardRejected(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	sms := &notifier.SMS{
		Carrier: &notifier.Carrier{AccountID: "AC1", AuthToken: "token", APIURL: srv.URL, RestrictedPrefixes: []string{"+7"}},
		From:    "+15559999",
	}
	_, err := sms.Notify(context.Background(), "+79991234567", notifier.Params{Kind: notifier.KindEvent})

	require.ErrorIs(t, err, notifier.ErrRestrictedDestination)
	assert.False(t, called, "restricted destinations must be rejected before any gateway call")
}

func TestSMS_MissingCredentialsSkipsGatewayCall(t *testing.T) {
	sms := &notifier.SMS{Carrier: &notifier.Carrier{}, From: "+15559999"}
	res, err := sms.Notify(context.Background(), "+15550001", notifier.Params{Kind: notifier.KindEvent})

	require.NoError(t, err)
	assert.False(t, res.Delivered)
}

func TestWhatsApp_PrefixesDestination(t *testing.T) {
	var to string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		to = r.PostForm.Get("To")
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "SM456"})
	}))
	defer srv.Close()

	wa := &notifier.WhatsApp{
		Carrier: &notifier.Carrier{AccountID: "AC1", AuthToken: "token", APIURL: srv.URL},
		From:    "+15559999",
	}
	res, err := wa.Notify(context.Background(), "+15550001", notifier.Params{Kind: notifier.KindEvent})

	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, "whatsapp:+15550001", to)
}

func TestDevice_MissingConfigIsNotDelivered(t *testing.T) {
	d := &notifier.Device{}
	res, err := d.Notify(context.Background(), "token-1", notifier.Params{Kind: notifier.KindEvent})

	require.NoError(t, err)
	assert.False(t, res.Delivered)
}

func TestDevice_SendsAuthorizedPush(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &notifier.Device{APIURL: srv.URL, APIKey: "push-key"}
	res, err := d.Notify(context.Background(), "token-1", notifier.Params{Kind: notifier.KindIncidentStart, SiteName: "North Ridge"})

	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, "Bearer push-key", auth)
}

func TestEmail_MissingConfigIsNotDelivered(t *testing.T) {
	e := &notifier.Email{}
	res, err := e.Notify(context.Background(), "user@example.com", notifier.Params{Kind: notifier.KindEvent})

	require.NoError(t, err)
	assert.False(t, res.Delivered)
}

func TestEmail_SendsThroughRelay(t *testing.T) {
	var sentTo []string
	var sentMsg string

	e := &notifier.Email{
		Host: "smtp.example.com", Port: "587", From: "alerts@example.com",
		SendMail: func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			sentTo = to
			sentMsg = string(msg)
			return nil
		},
	}
	res, err := e.Notify(context.Background(), "user@example.com", notifier.Params{
		Kind: notifier.KindIncidentEnd, SiteName: "North Ridge", DurationMinutes: 360, DetectionCount: 4,
	})

	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, []string{"user@example.com"}, sentTo)
	assert.Contains(t, sentMsg, "Subject: Fire at North Ridge has ended")
	assert.Contains(t, sentMsg, "360 minutes")
}
