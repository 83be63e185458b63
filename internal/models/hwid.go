package models

import "time"

// HWIDBinding ties a subscription to one hardware fingerprint.
type HWIDBinding struct {
	SubscriptionID string    `json:"subscription_id"`
	Fingerprint    string    `json:"fingerprint"`
	Locked         bool      `json:"locked"`
	BoundAt        time.Time `json:"bound_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HWIDBindResult reports what a bind call did.
type HWIDBindResult struct {
	Binding *HWIDBinding `json:"binding"`
	Created bool         `json:"created"`
	Changed bool         `json:"changed"`
}
