package models

import "time"

// RouteClass groups routes that share a rate budget.
type RouteClass string

const (
	RouteClassGeneral       RouteClass = "general"
	RouteClassAuth          RouteClass = "auth"
	RouteClassPasswordReset RouteClass = "password_reset"
	RouteClassKeyRedemption RouteClass = "key_redemption"
	RouteClassAPIKey        RouteClass = "api_key"
)

// RateWindow is one fixed window for a client key in a route class.
type RateWindow struct {
	ClientKey   string        `json:"client_key"`
	Class       RouteClass    `json:"class"`
	WindowStart time.Time     `json:"window_start"`
	Count       int           `json:"count"`
	Limit       int           `json:"limit"`
	Window      time.Duration `json:"window"`
}

// RateDecision is the outcome of a rate check.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}
