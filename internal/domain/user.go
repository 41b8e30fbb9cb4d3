package domain

import "time"

// User represents an authenticated account. Session handling lives outside
// this service; the user row exists to own prompts, executions and assets.
type User struct {
	ID        string
	Email     string
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}
