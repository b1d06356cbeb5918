package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
)

// Carrier holds the shared SMS/WhatsApp gateway configuration. The carrier
// confirms delivery asynchronously: a sent message yields a provider message
// id which the status callback resolves later.
type Carrier struct {
	AccountID string
	AuthToken string
	APIURL    string
	// RestrictedPrefixes lists number prefixes delivery is legally barred
	// from, e.g. country codes the carrier contract excludes.
	RestrictedPrefixes []string
	Client             *http.Client
}

func (c *Carrier) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Carrier) configured() bool {
	return c.AccountID != "" && c.AuthToken != "" && c.APIURL != ""
}

func (c *Carrier) restricted(number string) bool {
	number = strings.TrimPrefix(number, "whatsapp:")
	for _, prefix := range c.RestrictedPrefixes {
		if strings.HasPrefix(number, prefix) {
			return true
		}
	}
	return false
}

// send posts one message and returns the provider-assigned message id.
func (c *Carrier) send(ctx context.Context, from, to, body string) (string, bool) {
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", strings.TrimRight(c.APIURL, "/"), c.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		log.Printf("Invalid carrier endpoint %s: %v", endpoint, err)
		return "", false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.AccountID, c.AuthToken)

	resp, err := c.client().Do(req)
	if err != nil {
		log.Printf("Carrier delivery to %s failed: %v", to, err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("Carrier returned status %s for %s", resp.Status, to)
		return "", false
	}

	var reply struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		log.Printf("Failed to decode carrier response: %v", err)
		return "", false
	}
	return reply.SID, true
}

// SMS sends text messages through the carrier.
type SMS struct {
	Carrier *Carrier
	From    string
}

func (s *SMS) SupportedTypes() []models.ChannelType {
	return []models.ChannelType{models.ChannelSMS}
}

func (s *SMS) Notify(ctx context.Context, destination string, params Params) (Result, error) {
	if s.Carrier.restricted(destination) {
		return Result{}, fmt.Errorf("%w: %s", ErrRestrictedDestination, destination)
	}
	if !s.Carrier.configured() || s.From == "" {
		log.Printf("Warning: SMS carrier not configured, message not sent")
		return Result{}, nil
	}

	sid, ok := s.Carrier.send(ctx, s.From, destination, params.Message())
	if !ok {
		return Result{}, nil
	}
	return Result{Delivered: true, ProviderMessageID: sid}, nil
}

// WhatsApp sends messages through the same carrier on its whatsapp transport.
type WhatsApp struct {
	Carrier *Carrier
	From    string
}

func (w *WhatsApp) SupportedTypes() []models.ChannelType {
	return []models.ChannelType{models.ChannelWhatsApp}
}

func (w *WhatsApp) Notify(ctx context.Context, destination string, params Params) (Result, error) {
	if w.Carrier.restricted(destination) {
		return Result{}, fmt.Errorf("%w: %s", ErrRestrictedDestination, destination)
	}
	if !w.Carrier.configured() || w.From == "" {
		log.Printf("Warning: WhatsApp carrier not configured, message not sent")
		return Result{}, nil
	}

	sid, ok := w.Carrier.send(ctx, whatsappAddr(w.From), whatsappAddr(destination), params.Message())
	if !ok {
		return Result{}, nil
	}
	return Result{Delivered: true, ProviderMessageID: sid}, nil
}

func whatsappAddr(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
