package notifications

import "github.com/relaypost/relay-bot/internal/models"

// Notifier defines the contract for operator alert delivery
type Notifier interface {
	SendAlert(alert *models.Alert) error
}
