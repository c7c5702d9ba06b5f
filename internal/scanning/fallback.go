package scanning

import (
	"context"
	"regexp"
	"strings"
)

var (
	datePattern     = regexp.MustCompile(`\b(?:\d{4}[/-]\d{1,2}[/-]\d{1,2}|\d{1,2}[/-]\d{1,2}[/-]\d{2,4})\b`)
	currencyPattern = regexp.MustCompile(`\$\s*\d[\d,]*(?:\.\d{2})?|\b\d+(?:\.\d{2})?\s*(?:USD|EUR|GBP)\b`)
	addressPattern  = regexp.MustCompile(`(?i)\b\d+\s+(?:[a-z0-9.']+\s+){1,3}?(?:st|street|ave|avenue|rd|road|blvd|boulevard|dr|drive)\b\.?`)
)

var defaultOffline = NewOfflineClassifier(DefaultRules())

// ClassifyOffline runs the built-in heuristics over text. It never fails.
func ClassifyOffline(text string) Classification {
	return defaultOffline.ClassifyOffline(text)
}

// OfflineClassifier derives receipt fields with regular expressions and keyword lists.
// It performs no I/O and is used whenever a remote classifier is unavailable.
type OfflineClassifier struct {
	rules           Rules
	amountKeywordRe *regexp.Regexp
	vehicleRe       *regexp.Regexp
}

// NewOfflineClassifier builds a classifier from keyword rules
func NewOfflineClassifier(rules Rules) *OfflineClassifier {
	return &OfflineClassifier{
		rules:           rules,
		amountKeywordRe: regexp.MustCompile(`(?i)(?:` + alternation(rules.Amount) + `).*?(\$?\s*\d+(?:\.\d{2})?)`),
		vehicleRe:       regexp.MustCompile(`(?i)\b(?:` + alternation(rules.Vehicle) + `)\b\s*(?:id|number|no\.?|#)?\s*[:#.]?\s*([a-z0-9][a-z0-9-]*)`),
	}
}

// ClassifyOffline returns a fully populated Classification for text
func (o *OfflineClassifier) ClassifyOffline(text string) Classification {
	return Classification{
		Date:       o.extractDate(text),
		Type:       o.determineType(text),
		Amount:     o.extractAmount(text),
		Vehicle:    o.extractVehicle(text),
		VendorName: extractVendorName(text),
		Location:   extractLocation(text),
		Confidence: FallbackConfidence,
	}
}

// Classify lets the offline heuristics serve as a Classifier backend
func (o *OfflineClassifier) Classify(_ context.Context, text string) (*Classification, error) {
	c := o.ClassifyOffline(text)
	return &c, nil
}

// Close is a no-op
func (o *OfflineClassifier) Close() error {
	return nil
}

func (o *OfflineClassifier) extractDate(text string) string {
	match := datePattern.FindString(text)
	if match == "" {
		return Today()
	}
	if iso, ok := normalizeDate(match); ok {
		return iso
	}
	return match
}

func (o *OfflineClassifier) extractAmount(text string) string {
	if match := currencyPattern.FindString(text); match != "" {
		return strings.Join(strings.Fields(match), " ")
	}

	if m := o.amountKeywordRe.FindStringSubmatch(text); m != nil {
		amount := strings.ReplaceAll(m[1], " ", "")
		if !strings.HasPrefix(amount, "$") {
			amount = "$" + amount
		}
		return amount
	}

	return DefaultAmount
}

func (o *OfflineClassifier) determineType(text string) string {
	return o.rules.typeOf(strings.ToLower(text))
}

func (o *OfflineClassifier) extractVehicle(text string) string {
	if m := o.vehicleRe.FindStringSubmatch(text); m != nil {
		return "Truck " + strings.ToUpper(m[1])
	}
	return DefaultVehicle
}

// extractVendorName returns the first non-empty line; receipts print the vendor first
func extractVendorName(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return DefaultVendorName
}

func extractLocation(text string) string {
	return strings.TrimSpace(addressPattern.FindString(text))
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func alternation(keywords []string) string {
	quoted := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			quoted = append(quoted, regexp.QuoteMeta(kw))
		}
	}
	return strings.Join(quoted, "|")
}
