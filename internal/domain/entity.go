package domain

import (
	"time"
)

// PublishFailure is one outbound message the bus did not accept
type PublishFailure struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	MessageID  string    `gorm:"index" json:"message_id"`
	OrderID    string    `gorm:"index" json:"order_id"`
	Exchange   string    `json:"exchange"`
	RoutingKey string    `json:"routing_key"`
	Body       string    `json:"body"`
	Error      string    `json:"error"`
	CreatedAt  time.Time `json:"created_at"`
}
