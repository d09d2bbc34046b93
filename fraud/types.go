package fraud

import "time"

type AlertType string

const (
	TypeShillBidding         AlertType = "shill_bidding"
	TypePriceManipulation    AlertType = "price_manipulation"
	TypeSuspiciousWithdrawal AlertType = "suspicious_withdrawal"
	TypeMultipleAccounts     AlertType = "multiple_accounts"
	TypeSuspiciousBidPattern AlertType = "suspicious_bid_pattern"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// scoreDelta is the automatic fraud score increment per alert severity.
var scoreDelta = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  5,
	SeverityCritical: 20,
}

type Status string

const (
	StatusPending        Status = "pending"
	StatusReviewed       Status = "reviewed"
	StatusConfirmedFraud Status = "confirmed_fraud"
	StatusFalsePositive  Status = "false_positive"
	StatusResolved       Status = "resolved"
)

// Open reports whether the alert still awaits a final decision.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusReviewed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReviewed, StatusConfirmedFraud, StatusFalsePositive, StatusResolved:
		return true
	}
	return false
}

// AutoAction records a reversible restriction applied when the alert was raised.
type AutoAction struct {
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason"`
	AppliedAt  time.Time `json:"applied_at"`
	RevertedAt time.Time `json:"reverted_at,omitzero"`
}

// Active reports whether the action is still in force.
func (a *AutoAction) Active() bool {
	return a != nil && a.RevertedAt.IsZero()
}

// Alert is a fraud finding about one account. Only human review mutates it.
type Alert struct {
	ID             string      `json:"id"`
	Type           AlertType   `json:"type"`
	Severity       Severity    `json:"severity"`
	SubjectID      string      `json:"subject_id"`
	AuctionID      string      `json:"auction_id,omitempty"`
	Evidence       Evidence    `json:"evidence"`
	Facts          []Fact      `json:"facts"`
	EvidenceDigest string      `json:"evidence_digest"`
	Status         Status      `json:"status"`
	AutoAction     *AutoAction `json:"auto_action_taken,omitempty"`
	DedupKey       string      `json:"dedup_key"`
	CreatedAt      time.Time   `json:"created_at"`

	ReviewedBy  string    `json:"reviewed_by,omitempty"`
	ReviewNotes string    `json:"review_notes,omitempty"`
	ReviewedAt  time.Time `json:"reviewed_at,omitzero"`
}

// Filter narrows alert listings. Zero fields match everything.
type Filter struct {
	Status    Status
	SubjectID string
	Type      AlertType
	Limit     int
}

func (f Filter) Match(a Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.SubjectID != "" && a.SubjectID != f.SubjectID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	return true
}
