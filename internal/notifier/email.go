package notifier

import (
	"context"
	"fmt"
	"log"
	"net/smtp"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
)

// Email delivers through an SMTP relay.
type Email struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string

	// SendMail can be swapped out in tests; nil means smtp.SendMail.
	SendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (e *Email) SupportedTypes() []models.ChannelType {
	return []models.ChannelType{models.ChannelEmail}
}

func (e *Email) Notify(ctx context.Context, destination string, params Params) (Result, error) {
	if e.Host == "" || e.From == "" {
		log.Printf("Warning: SMTP relay not configured, email not sent")
		return Result{}, nil
	}

	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		e.From, destination, params.Subject(), params.Message()))

	send := e.SendMail
	if send == nil {
		send = smtp.SendMail
	}

	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}

	if err := send(e.Host+":"+e.Port, auth, e.From, []string{destination}, msg); err != nil {
		log.Printf("Email delivery to %s failed: %v", destination, err)
		return Result{}, nil
	}
	return Result{Delivered: true}, nil
}
