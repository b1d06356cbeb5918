package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"net/url"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/delivery"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
)

// CallbackStore is the persistence surface of the carrier status callback.
type CallbackStore interface {
	NotificationByProviderMessageID(ctx context.Context, messageID string) (*models.NotificationRecord, error)
	SetDeliveryOutcome(ctx context.Context, id string, delivered bool) error
}

// CarrierCallback handles the carrier's asynchronous delivery receipts. The
// carrier accepts a message synchronously but only knows whether it reached
// the handset later; this callback corrects the record once the terminal
// status arrives.
type CarrierCallback struct {
	secret   string
	store    CallbackStore
	failures *delivery.FailureHandler
}

func NewCarrierCallback(secret string, st CallbackStore, failures *delivery.FailureHandler) *CarrierCallback {
	return &CarrierCallback{secret: secret, store: st, failures: failures}
}

func (c *CarrierCallback) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not supported", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if !c.signatureValid(r.Header.Get("X-Carrier-Signature"), body) {
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	messageID := form.Get("MessageSid")
	status := form.Get("MessageStatus")
	if messageID == "" {
		http.Error(w, "MessageSid is required", http.StatusBadRequest)
		return
	}

	record, err := c.store.NotificationByProviderMessageID(r.Context(), messageID)
	if err != nil {
		log.Printf("Failed to resolve carrier message %s: %v", messageID, err)
		http.Error(w, "Lookup failed", http.StatusInternalServerError)
		return
	}
	if record == nil {
		// Receipts can outlive their records; acknowledge so the carrier
		// stops retrying.
		log.Printf("Carrier status for unknown message %s ignored", messageID)
		w.WriteHeader(http.StatusOK)
		return
	}

	switch status {
	case "delivered":
		if err := c.store.SetDeliveryOutcome(r.Context(), record.ID, true); err != nil {
			log.Printf("Failed to confirm delivery for %s: %v", record.ID, err)
			http.Error(w, "Update failed", http.StatusInternalServerError)
			return
		}

	case "failed", "undelivered":
		log.Printf("Carrier reported %s for notification %s", status, record.ID)
		if err := c.store.SetDeliveryOutcome(r.Context(), record.ID, false); err != nil {
			http.Error(w, "Update failed", http.StatusInternalServerError)
			return
		}
		if err := c.failures.RecordFailure(r.Context(), record.ChannelType, record.Destination); err != nil {
			log.Printf("Failed to record carrier failure: %v", err)
		}

	default:
		// Non-terminal status (queued, sent); nothing to correct.
	}

	w.WriteHeader(http.StatusNoContent)
}

func (c *CarrierCallback) signatureValid(header string, body []byte) bool {
	if c.secret == "" || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
