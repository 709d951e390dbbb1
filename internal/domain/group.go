package domain

import (
	"time"
)

// Group resolution methods.
const (
	ResolutionMerged   = "merged"
	ResolutionSeparate = "separate"
	ResolutionManual   = "manual"
)

// ValidResolutionMethod reports whether m is a known resolution method.
func ValidResolutionMethod(m string) bool {
	switch m {
	case ResolutionMerged, ResolutionSeparate, ResolutionManual:
		return true
	}
	return false
}

// Group is a reviewable cluster of records suspected to represent the
// same entity. Membership is immutable once created; only Resolved,
// ResolutionMethod and PrimaryRecordID may change.
type Group struct {
	ID              string   `json:"groupId"`
	TenantID        string   `json:"tenantId"`
	PrimaryRecordID string   `json:"primaryRecordId"`
	MemberIDs       []string `json:"memberRecordIds"`

	CreatedAt        time.Time `json:"createdAt"`
	Resolved         bool      `json:"resolved"`
	ResolutionMethod string    `json:"resolutionMethod,omitempty"`

	// Candidates holds the freshly recomputed candidate list per member.
	// It is a read-time view and is never stored with the group.
	Candidates map[string][]Candidate `json:"candidates,omitempty"`
}

// GroupFilter narrows group listings.
type GroupFilter struct {
	Resolved *bool
	Limit    int
	Offset   int
}
