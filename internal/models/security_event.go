package models

import "time"

// SecurityEvent is the audit record emitted for every evaluated decision.
// EncryptedIP carries the envelope-encrypted client address; the plaintext
// IP never reaches a persistent sink.
type SecurityEvent struct {
	EventBucket        int       `db:"event_bucket" json:"event_bucket"`
	EventID            string    `db:"event_id" json:"event_id"`
	EventDate          string    `db:"event_date" json:"event_date"`
	EventTime          time.Time `db:"event_time" json:"event_time"`
	EventType          string    `db:"event_type" json:"event_type"`
	UserID             string    `db:"user_id" json:"user_id"`
	Route              string    `db:"route" json:"route"`
	DeviceID           string    `db:"device_id" json:"device_id"`
	DeviceName         string    `db:"device_name" json:"device_name"`
	EncryptedIP        string    `db:"encrypted_ip" json:"encrypted_ip"`
	Action             string    `db:"action" json:"action"`
	RejectedBy         string    `db:"rejected_by" json:"rejected_by,omitempty"`
	NewDevice          bool      `db:"new_device" json:"new_device"`
	SuspiciousLocation bool      `db:"suspicious_location" json:"suspicious_location"`
	SuspiciousTiming   bool      `db:"suspicious_timing" json:"suspicious_timing"`
}
