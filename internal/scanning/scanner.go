package scanning

import (
	"context"
	"errors"
	"time"
)

// Receipt types a classification can resolve to
const (
	TypeFuel        = "Fuel"
	TypeMaintenance = "Maintenance"
	TypeOther       = "Other"
)

// Safe defaults applied to every field a classifier could not determine
const (
	DefaultType        = TypeOther
	DefaultAmount      = "$0.00"
	DefaultVehicle     = "Unknown Vehicle"
	DefaultVendorName  = "Unknown Vendor"
	DefaultLocation    = ""
	RemoteConfidence   = 0.85
	FallbackConfidence = 0.6
)

var (
	// ErrRecognitionFailed is returned when the OCR call fails or its response is unusable
	ErrRecognitionFailed = errors.New("recognition failed")

	// ErrClassificationFailed is returned when a remote classifier fails or its response cannot be parsed
	ErrClassificationFailed = errors.New("classification failed")
)

// Classification contains the structured fields guessed for a receipt
type Classification struct {
	Date       string  `json:"date"` // ISO 8601 format
	Type       string  `json:"type"`
	Amount     string  `json:"amount"`
	Vehicle    string  `json:"vehicle"`
	VendorName string  `json:"vendorName"`
	Location   string  `json:"location"`
	Confidence float64 `json:"confidence"`
}

// Recognizer turns a stored receipt image into text
type Recognizer interface {
	// Recognize sends the image referenced by imageRef to the OCR service and returns its text
	Recognize(ctx context.Context, imageRef string) (string, error)
}

// Classifier defines the interface for receipt classification backends
type Classifier interface {
	// Classify derives structured receipt fields from recognized text
	Classify(ctx context.Context, text string) (*Classification, error)
	// Close closes the classifier and releases resources
	Close() error
}

// ImageSource reads stored image bytes by reference
type ImageSource interface {
	Get(path string) ([]byte, error)
}

// Today returns the current date in ISO 8601 format
func Today() string {
	return time.Now().Format("2006-01-02")
}

// DefaultClassification returns a classification with every field at its safe default
func DefaultClassification(confidence float64) Classification {
	return Classification{
		Date:       Today(),
		Type:       DefaultType,
		Amount:     DefaultAmount,
		Vehicle:    DefaultVehicle,
		VendorName: DefaultVendorName,
		Location:   DefaultLocation,
		Confidence: confidence,
	}
}
