package domain

import (
	"encoding/json"
	"strings"
	"time"

	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	"gorm.io/datatypes"
)

// Charge is one billing charge line as captured at snapshot time.
type Charge struct {
	ChargeID      string   `json:"charge_id"`
	OrderChargeID string   `json:"order_charge_id,omitempty"`
	ChargeNumber  string   `json:"charge_number,omitempty"`
	Name          string   `json:"name,omitempty"`
	ProductCode   string   `json:"product_code,omitempty"`
	ChargeType    string   `json:"charge_type,omitempty"`
	Status        string   `json:"status,omitempty"`
	BillingPeriod string   `json:"billing_period,omitempty"`
	Currency      string   `json:"currency,omitempty"`
	Price         *float64 `json:"price,omitempty"`
	Quantity      *float64 `json:"quantity,omitempty"`
}

// Record is the charge payload captured for one ledger key. Its existence marks the key as snapshotted.
type Record struct {
	SubscriptionID string         `gorm:"primaryKey;type:varchar(128)" json:"subscription_id"`
	TermEndDate    string         `gorm:"primaryKey;type:varchar(10)" json:"term_end_date"`
	ChargesJSON    datatypes.JSON `gorm:"column:charges_json;not null" json:"charges"`
	ChargeCount    int            `gorm:"not null;default:0" json:"charge_count"`
	Source         string         `gorm:"type:varchar(128)" json:"source"`
	SnapshotAt     time.Time      `gorm:"not null" json:"snapshot_at"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Record) TableName() string { return "renewal_snapshots" }

func (r Record) Key() ledgerdomain.Key {
	return ledgerdomain.Key{SubscriptionID: r.SubscriptionID, TermEndDate: r.TermEndDate}
}

// Charges decodes the captured payload. A malformed payload is ErrMalformedCharges.
func (r Record) Charges() ([]Charge, error) {
	raw := strings.TrimSpace(string(r.ChargesJSON))
	if raw == "" || raw == "null" {
		return []Charge{}, nil
	}
	var charges []Charge
	if err := json.Unmarshal([]byte(raw), &charges); err != nil {
		return nil, ErrMalformedCharges
	}
	return charges, nil
}

// NewRecord builds a snapshot for key from the fetched charges.
func NewRecord(key ledgerdomain.Key, source string, charges []Charge, at time.Time) (*Record, error) {
	if charges == nil {
		charges = []Charge{}
	}
	payload, err := json.Marshal(charges)
	if err != nil {
		return nil, err
	}
	return &Record{
		SubscriptionID: key.SubscriptionID,
		TermEndDate:    key.TermEndDate,
		ChargesJSON:    datatypes.JSON(payload),
		ChargeCount:    len(charges),
		Source:         source,
		SnapshotAt:     at,
		CreatedAt:      at,
		UpdatedAt:      at,
	}, nil
}
