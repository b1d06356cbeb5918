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

// Webhook POSTs the alert as JSON to a user-supplied URL. Any 2xx response
// counts as delivered; everything else, including transport errors, does not.
type Webhook struct {
	Client *http.Client
}

type webhookPayload struct {
	Type            string `json:"type"`
	SiteID          string `json:"siteId"`
	SiteName        string `json:"siteName"`
	IncidentID      string `json:"incidentId,omitempty"`
	DetectionCount  int    `json:"detectionCount,omitempty"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
	Message         string `json:"message"`
}

func (w *Webhook) SupportedTypes() []models.ChannelType {
	return []models.ChannelType{models.ChannelWebhook}
}

func (w *Webhook) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (w *Webhook) Notify(ctx context.Context, destination string, params Params) (Result, error) {
	payload := webhookPayload{
		Type:            string(params.Kind),
		SiteID:          params.SiteID,
		SiteName:        params.SiteName,
		IncidentID:      params.IncidentID,
		DetectionCount:  params.DetectionCount,
		DurationMinutes: params.DurationMinutes,
		Message:         params.Message(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal webhook payload: %v", err)
		return Result{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		log.Printf("Invalid webhook destination %s: %v", destination, err)
		return Result{}, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client().Do(req)
	if err != nil {
		log.Printf("Webhook delivery to %s failed: %v", destination, err)
		return Result{}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("Webhook %s returned status %s", destination, resp.Status)
		return Result{}, nil
	}
	return Result{Delivered: true}, nil
}
