package domain

import "time"

// EndpointHealth is the mutable health record of one endpoint.
type EndpointHealth struct {
	Endpoint     string     `json:"endpoint"`
	Healthy      bool       `json:"healthy"`
	FailureCount int        `json:"failureCount"`
	LastFailure  *time.Time `json:"lastFailureTime,omitempty"`
	AvgLatencyMs *float64   `json:"avgResponseTimeMs,omitempty"`
}

// NewEndpointHealth returns the default record for a never-seen endpoint.
func NewEndpointHealth(endpoint string) EndpointHealth {
	return EndpointHealth{Endpoint: endpoint, Healthy: true}
}

// InCooldown reports whether the endpoint failed within cooldown of now.
func (h EndpointHealth) InCooldown(now time.Time, cooldown time.Duration) bool {
	return h.LastFailure != nil && now.Sub(*h.LastFailure) < cooldown
}

// EndpointSnapshot is a point-in-time copy of an endpoint's health for analytics.
type EndpointSnapshot struct {
	ManagerID    string
	Endpoint     string
	Healthy      bool
	FailureCount int
	AvgLatencyMs *float64
	LastFailure  *int64 // Unix ms
	Timestamp    int64  // Unix ms
}

// Snapshot converts the record into an analytics row taken at ts.
func (h EndpointHealth) Snapshot(managerID string, ts time.Time) EndpointSnapshot {
	s := EndpointSnapshot{
		ManagerID:    managerID,
		Endpoint:     h.Endpoint,
		Healthy:      h.Healthy,
		FailureCount: h.FailureCount,
		Timestamp:    ts.UnixMilli(),
	}
	if h.AvgLatencyMs != nil {
		v := *h.AvgLatencyMs
		s.AvgLatencyMs = &v
	}
	if h.LastFailure != nil {
		v := h.LastFailure.UnixMilli()
		s.LastFailure = &v
	}
	return s
}
