package model

import "time"

// SettingKeyPaymentThreshold holds the default fraction of an item's price
// that must be paid before its sample may be processed (e.g. "0.50"). Orders
// may carry their own override in payment_threshold.
const SettingKeyPaymentThreshold = "lab_payment_threshold_default"

// DefaultPaymentThreshold seeds the setting on first boot.
const DefaultPaymentThreshold = "0.50"

// Setting is a process-wide key/value configuration row. Read-mostly; the
// allocation path reads the value once per request and injects it into the
// engine rather than consulting the row mid-transaction.
type Setting struct {
	Key       string    `gorm:"type:varchar(100);primaryKey" json:"key"`
	Value     string    `gorm:"type:varchar(255);not null" json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
