package receipt

import (
	"strings"
	"time"
)

// Type is the expense category of a receipt
type Type string

const (
	TypeFuel        Type = "Fuel"
	TypeMaintenance Type = "Maintenance"
	TypeOther       Type = "Other"
)

// ParseType maps a field value onto a Type, case-insensitively. Unknown values are Other.
func ParseType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fuel":
		return TypeFuel
	case "maintenance":
		return TypeMaintenance
	default:
		return TypeOther
	}
}

// Status is the review state of a receipt
type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
)

// Record is a persisted receipt. It is never modified after Create returns it.
type Record struct {
	ID            string    `json:"id"`
	Date          string    `json:"date"` // YYYY-MM-DD
	Type          Type      `json:"type"`
	Amount        string    `json:"amount"`
	Vehicle       string    `json:"vehicle"`
	VendorName    string    `json:"vendorName,omitempty"`
	Location      string    `json:"location,omitempty"`
	Status        Status    `json:"status"`
	ExtractedText string    `json:"extractedText"`
	ImageRef      string    `json:"imageRef"`
	Timestamp     time.Time `json:"timestamp"`
}

// Candidate is everything needed to create a Record: the merged fields plus
// the capture outputs retained for audit.
type Candidate struct {
	Fields
	ExtractedText string `json:"extractedText"`
	ImageRef      string `json:"imageRef"`
}

// Profile is the per-user settings document
type Profile struct {
	UID       string    `json:"uid"`
	Email     string    `json:"email"`
	FirstName string    `json:"fname"`
	LastName  string    `json:"lname"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
