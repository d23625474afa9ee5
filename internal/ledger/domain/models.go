package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of a renewal ledger entry.
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusProcessing Status = "processing"
	StatusCreated    Status = "created"
	StatusError      Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPlanned, StatusProcessing, StatusCreated, StatusError:
		return true
	default:
		return false
	}
}

// DateLayout is the calendar-date encoding of TermEndDate.
const DateLayout = "2006-01-02"

// Key is the natural key of a renewal: one subscription term end.
type Key struct {
	SubscriptionID string `json:"subscription_id"`
	TermEndDate    string `json:"term_end_date"`
}

// NewKey normalizes the subscription id and formats termEnd as a calendar date.
func NewKey(subscriptionID string, termEnd time.Time) Key {
	return Key{
		SubscriptionID: strings.TrimSpace(subscriptionID),
		TermEndDate:    termEnd.Format(DateLayout),
	}
}

// ParseKey builds a key from wire values and validates it.
func ParseKey(subscriptionID, termEndDate string) (Key, error) {
	key := Key{
		SubscriptionID: strings.TrimSpace(subscriptionID),
		TermEndDate:    strings.TrimSpace(termEndDate),
	}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

func (k Key) Validate() error {
	if k.SubscriptionID == "" {
		return ErrInvalidKey
	}
	if _, err := time.Parse(DateLayout, k.TermEndDate); err != nil {
		return ErrInvalidKey
	}
	return nil
}

func (k Key) String() string {
	return k.SubscriptionID + ":" + k.TermEndDate
}

// Less orders keys by (term end date, subscription id), the processing order of every run.
func (k Key) Less(other Key) bool {
	if k.TermEndDate != other.TermEndDate {
		return k.TermEndDate < other.TermEndDate
	}
	return k.SubscriptionID < other.SubscriptionID
}

// Entry is one row of the renewal ledger.
type Entry struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	SubscriptionID string            `gorm:"type:varchar(128);not null;uniqueIndex:ux_renewal_ledger_key,priority:1" json:"subscription_id"`
	TermEndDate    string            `gorm:"type:varchar(10);not null;uniqueIndex:ux_renewal_ledger_key,priority:2;index:ix_renewal_ledger_status_term,priority:2" json:"term_end_date"`
	Status         Status            `gorm:"type:varchar(16);not null;index:ix_renewal_ledger_status_term,priority:1" json:"status"`
	SourceDealID   *string           `gorm:"type:varchar(64);index" json:"source_deal_id,omitempty"`
	CreatedDealID  *string           `gorm:"type:varchar(64)" json:"created_deal_id,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"not null" json:"metadata"`
	LastError      *string           `gorm:"type:text" json:"last_error,omitempty"`
	Version        int64             `gorm:"not null;default:0" json:"version"`
	ClaimCount     int               `gorm:"not null;default:0" json:"claim_count"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "renewal_ledger" }

func (e Entry) Key() Key {
	return Key{SubscriptionID: e.SubscriptionID, TermEndDate: e.TermEndDate}
}

// HasDeal reports whether the CRM deal was recorded for this entry.
func (e Entry) HasDeal() bool {
	return e.CreatedDealID != nil && strings.TrimSpace(*e.CreatedDealID) != ""
}

// MetadataString reads a string value from the entry metadata.
func (e Entry) MetadataString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	value, ok := e.Metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// MetadataInt reads a counter from stored metadata. Values decoded from the
// JSON column arrive as json.Number.
func MetadataInt(metadata map[string]any, key string) int64 {
	switch value := metadata[key].(type) {
	case int:
		return int64(value)
	case int64:
		return value
	case float64:
		return int64(value)
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return n
		}
		if f, err := value.Float64(); err == nil {
			return int64(f)
		}
		return 0
	default:
		return 0
	}
}

// PlanOutcome reports what UpsertPlanned did to the row.
type PlanOutcome string

const (
	PlanOutcomeInserted      PlanOutcome = "inserted"
	PlanOutcomeUpdated       PlanOutcome = "updated"
	PlanOutcomeRequeued      PlanOutcome = "requeued"
	PlanOutcomeAlreadyExists PlanOutcome = "already_exists"
)

// Filter narrows selection to one subscription and/or one originating deal.
type Filter struct {
	SubscriptionID string `json:"subscription_id,omitempty"`
	SourceDealID   string `json:"source_deal_id,omitempty"`
}

func (f Filter) IsEmpty() bool {
	return strings.TrimSpace(f.SubscriptionID) == "" && strings.TrimSpace(f.SourceDealID) == ""
}

// MergeMetadata returns base with patch applied key by key. Neither input is modified.
func MergeMetadata(base map[string]any, patch map[string]any) datatypes.JSONMap {
	merged := make(datatypes.JSONMap, len(base)+len(patch))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range patch {
		if strings.TrimSpace(key) == "" {
			continue
		}
		merged[key] = value
	}
	return merged
}
