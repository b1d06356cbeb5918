package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
)

// Device sends push notifications through the push gateway. The destination
// is the device token registered by the mobile app.
type Device struct {
	APIURL string
	APIKey string
	Client *http.Client
}

type pushPayload struct {
	To    string         `json:"to"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

func (d *Device) SupportedTypes() []models.ChannelType {
	return []models.ChannelType{models.ChannelDevice}
}

func (d *Device) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (d *Device) Notify(ctx context.Context, destination string, params Params) (Result, error) {
	if d.APIURL == "" || d.APIKey == "" {
		log.Printf("Warning: push gateway not configured, device notification not sent")
		return Result{}, nil
	}

	payload := pushPayload{
		To:    destination,
		Title: params.Subject(),
		Body:  params.Message(),
		Data: map[string]any{
			"siteId":     params.SiteID,
			"incidentId": params.IncidentID,
			"kind":       string(params.Kind),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal push payload: %v", err)
		return Result{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.APIURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("Invalid push gateway URL %s: %v", d.APIURL, err)
		return Result{}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.APIKey)

	resp, err := d.client().Do(req)
	if err != nil {
		log.Printf("Push delivery failed: %v", err)
		return Result{}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("Push gateway returned status %s", resp.Status)
		return Result{}, nil
	}
	return Result{Delivered: true}, nil
}
