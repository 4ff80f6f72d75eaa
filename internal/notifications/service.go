// Package notifications delivers operator alerts (detection events, failed
// batches) over a JSON webhook and/or email. Both channels are optional.
package notifications

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/relaypost/relay-bot/internal/config"
	"github.com/relaypost/relay-bot/internal/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// Service fans one alert out to every configured channel.
type Service struct {
	config *config.Config
	client *resty.Client
}

// Ensure Service implements Notifier
var _ Notifier = (*Service)(nil)

// NewService creates a notification service
func NewService(cfg *config.Config) *Service {
	return &Service{
		config: cfg,
		client: resty.New().SetTimeout(30 * time.Second),
	}
}

// SendAlert delivers the alert via all configured channels, collecting
// per-channel failures instead of stopping at the first.
func (s *Service) SendAlert(alert *models.Alert) error {
	var errs []string

	if s.config.AlertWebhookURL != "" {
		if err := s.sendWebhook(alert); err != nil {
			logrus.Errorf("Failed to send webhook alert: %v", err)
			errs = append(errs, fmt.Sprintf("webhook: %v", err))
		} else {
			logrus.Infof("Sent %s alert to webhook", alert.Type)
		}
	}

	if s.config.NotificationEmail != "" {
		if err := s.sendEmail(alert); err != nil {
			logrus.Errorf("Failed to send email alert: %v", err)
			errs = append(errs, fmt.Sprintf("email: %v", err))
		} else {
			logrus.Infof("Sent %s alert via email", alert.Type)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s *Service) sendWebhook(alert *models.Alert) error {
	resp, err := s.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(alert).
		Post(s.config.AlertWebhookURL)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}

	if resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

func (s *Service) sendEmail(alert *models.Alert) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SMTPUsername)
	m.SetHeader("To", s.config.NotificationEmail)
	m.SetHeader("Subject", fmt.Sprintf("[relay-bot] %s", alert.Title))
	m.SetBody("text/plain", fmt.Sprintf("%s\n\nType: %s\nTime: %s",
		alert.Message, alert.Type, alert.CreatedAt.Format(time.RFC3339)))

	d := gomail.NewDialer(s.config.SMTPHost, s.config.SMTPPort, s.config.SMTPUsername, s.config.SMTPPassword)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
