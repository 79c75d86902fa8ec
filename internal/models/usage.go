package models

// UsageCounter is the per-owner-per-period message counter. One row exists
// per (owner, period); the count is monotonically non-decreasing within a
// period and is never deleted.
type UsageCounter struct {
	OwnerID string `json:"owner_id"`
	Period  string `json:"period"`
	Count   int    `json:"count"`
}

// QuotaDecision is the ephemeral result of a quota check. It is returned to
// callers and never persisted.
type QuotaDecision struct {
	Remaining    int `json:"remaining"`
	Limit        int `json:"limit"`
	CurrentUsage int `json:"current_usage"`
}
