package chat

import "time"

// Session captures one popup lifetime.
type Session struct {
	ID        string    `json:"id"`
	Locale    string    `json:"locale,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
