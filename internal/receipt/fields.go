package receipt

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/zombor/fleet-receipts/internal/scanning"
)

// Editable field names, as used in user edits and validation reports
const (
	FieldDate       = "date"
	FieldType       = "type"
	FieldAmount     = "amount"
	FieldVehicle    = "vehicle"
	FieldVendorName = "vendorName"
	FieldLocation   = "location"
)

// FieldNames lists every editable field in display order
var FieldNames = []string{FieldDate, FieldType, FieldAmount, FieldVehicle, FieldVendorName, FieldLocation}

// IsField reports whether name is an editable field
func IsField(name string) bool {
	for _, f := range FieldNames {
		if f == name {
			return true
		}
	}
	return false
}

// Fields is the user-verifiable part of a receipt
type Fields struct {
	Date       string `json:"date" validate:"notblank"`
	Type       string `json:"type" validate:"notblank"`
	Amount     string `json:"amount" validate:"notblank"`
	Vehicle    string `json:"vehicle"`
	VendorName string `json:"vendorName"`
	Location   string `json:"location"`
}

// ValidationError lists the required fields that are empty
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Missing, ", "))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	return v
}

// Merge builds candidate fields: a user edit wins whenever its key is present,
// otherwise the classifier's value, otherwise the safe default.
// Neither argument is modified.
func Merge(c *scanning.Classification, edits map[string]string) Fields {
	defaults := scanning.DefaultClassification(0)
	if c == nil {
		c = &defaults
	}

	pick := func(name, suggested, fallback string) string {
		if v, ok := edits[name]; ok {
			return v
		}
		if suggested != "" {
			return suggested
		}
		return fallback
	}

	return Fields{
		Date:       pick(FieldDate, c.Date, defaults.Date),
		Type:       pick(FieldType, c.Type, defaults.Type),
		Amount:     pick(FieldAmount, c.Amount, defaults.Amount),
		Vehicle:    pick(FieldVehicle, c.Vehicle, defaults.Vehicle),
		VendorName: pick(FieldVendorName, c.VendorName, defaults.VendorName),
		Location:   pick(FieldLocation, c.Location, defaults.Location),
	}
}

// Validate checks the current snapshot only: date, type and amount must be non-blank.
// It returns a *ValidationError naming the missing fields in display order.
func Validate(f Fields) error {
	err := validate.Struct(f)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validating fields: %w", err)
	}

	failed := make(map[string]bool, len(fieldErrs))
	for _, fe := range fieldErrs {
		failed[fe.Field()] = true
	}
	missing := make([]string, 0, len(failed))
	for _, name := range FieldNames {
		if failed[name] {
			missing = append(missing, name)
		}
	}
	return &ValidationError{Missing: missing}
}
