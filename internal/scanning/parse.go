package scanning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)\\s*```")

// dateLayouts are the date formats accepted from classifiers, tried in order
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-1-2",
	"2006/1/2",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1-2-2006",
	"01/02/06",
	"1/2/06",
	"January 2, 2006",
	"Jan 2, 2006",
	"02 Jan 2006",
	"2 January 2006",
}

// parseOutcome is the result of locating a classification payload in a response body.
// Payload is nil when no strategy produced a JSON object; Reason then explains why.
type parseOutcome struct {
	Payload  *classificationPayload
	Strategy string
	Reason   string
}

// OK reports whether a payload was found
func (o parseOutcome) OK() bool {
	return o.Payload != nil
}

type extractionStrategy struct {
	name    string
	extract func(text string) (string, bool)
}

// extractionStrategies run in order until one yields a JSON object
var extractionStrategies = []extractionStrategy{
	{name: "fenced-block", extract: fencedBlock},
	{name: "brace-span", extract: firstObject},
	{name: "whole-body", extract: wholeBody},
}

// flexString accepts JSON strings, numbers and null
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	switch {
	case raw == "null":
		*f = ""
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported value %s", raw)
		}
		*f = flexString(n.String())
	}
	return nil
}

type classificationPayload struct {
	Date       flexString `json:"date"`
	Type       flexString `json:"type"`
	Amount     flexString `json:"amount"`
	Vehicle    flexString `json:"vehicle"`
	VendorName flexString `json:"vendorName"`
	Location   flexString `json:"location"`
}

func fencedBlock(text string) (string, bool) {
	m := fencedBlockPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// firstObject returns the first JSON value that decodes from an opening brace, ignoring what follows it
func firstObject(text string) (string, bool) {
	for i := strings.Index(text, "{"); i != -1; {
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&raw); err == nil {
			return string(raw), true
		}
		next := strings.Index(text[i+1:], "{")
		if next == -1 {
			break
		}
		i += next + 1
	}
	return "", false
}

func wholeBody(text string) (string, bool) {
	text = strings.TrimSpace(strings.ReplaceAll(text, "```", ""))
	return text, text != ""
}

// parseClassificationText locates and decodes the classification JSON in a model response
func parseClassificationText(text string) parseOutcome {
	reasons := make([]string, 0, len(extractionStrategies))
	for _, strategy := range extractionStrategies {
		candidate, ok := strategy.extract(text)
		if !ok {
			reasons = append(reasons, strategy.name+": no match")
			continue
		}
		if !strings.HasPrefix(candidate, "{") {
			reasons = append(reasons, strategy.name+": not a JSON object")
			continue
		}
		var payload classificationPayload
		if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", strategy.name, err))
			continue
		}
		return parseOutcome{Payload: &payload, Strategy: strategy.name}
	}
	return parseOutcome{Reason: strings.Join(reasons, "; ")}
}

// ClassifyText parses a remote classifier response into a fully defaulted Classification
func ClassifyText(text string) (*Classification, error) {
	outcome := parseClassificationText(text)
	if !outcome.OK() {
		return nil, fmt.Errorf("%w: no JSON object in response (%s)", ErrClassificationFailed, outcome.Reason)
	}

	p := outcome.Payload
	c := DefaultClassification(RemoteConfidence)

	if date, ok := normalizeDate(string(p.Date)); ok {
		c.Date = date
	}
	if t := strings.TrimSpace(string(p.Type)); t != "" {
		c.Type = normalizeType(t)
	}
	if amount := strings.TrimSpace(string(p.Amount)); amount != "" {
		c.Amount = normalizeAmount(amount)
	}
	if vehicle := strings.TrimSpace(string(p.Vehicle)); vehicle != "" {
		c.Vehicle = vehicle
	}
	if vendor := strings.TrimSpace(string(p.VendorName)); vendor != "" {
		c.VendorName = vendor
	}
	c.Location = strings.TrimSpace(string(p.Location))

	return &c, nil
}

// normalizeDate converts a date in any known layout to YYYY-MM-DD
func normalizeDate(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d.Format("2006-01-02"), true
		}
	}
	return "", false
}

// normalizeType maps free text onto Fuel, Maintenance or Other using the same keywords as the offline classifier
func normalizeType(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(lower, "maint") {
		return TypeMaintenance
	}
	return defaultOffline.rules.typeOf(lower)
}

// normalizeAmount formats bare numbers as dollars and leaves anything else untouched
func normalizeAmount(raw string) string {
	raw = strings.TrimSpace(raw)
	if f, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64); err == nil {
		return fmt.Sprintf("$%.2f", f)
	}
	return raw
}
