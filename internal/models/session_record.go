package models

import "time"

// SessionRecord is one device ever seen as active for a user. The external
// session store owns these; this service reads them as a consistent
// snapshot and appends on successful logins.
type SessionRecord struct {
	UserID    string    `db:"user_id" json:"user_id"`
	SessionID string    `db:"session_id" json:"session_id"`
	DeviceID  string    `db:"device_id" json:"device_id"`
	ClientIP  string    `db:"client_ip" json:"client_ip"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// LoginState carries the last-login fields read alongside the session set.
// Zero values mean "never logged in before".
type LoginState struct {
	LastLoginIP string    `db:"last_login_ip" json:"last_login_ip"`
	LastLoginAt time.Time `db:"last_login_at" json:"last_login_at"`
}
