package receipt

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Service serves the read side of the app: the receipts list, statistics and profiles.
// Records are only ever created by a capture session.
type Service struct {
	store  Store
	images Storage
	clock  TimeSource
}

// NewService creates a new Service using the system clock
func NewService(store Store, images Storage) *Service {
	return NewServiceWithDeps(store, images, systemClock{})
}

// NewServiceWithDeps creates a new Service with a custom clock for testing
func NewServiceWithDeps(store Store, images Storage, clock TimeSource) *Service {
	return &Service{
		store:  store,
		images: images,
		clock:  clock,
	}
}

// Filter narrows the receipts list. Zero values match everything.
type Filter struct {
	Query  string
	Type   Type
	Status Status
}

func (f Filter) matches(r *Record) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	for _, field := range []string{r.VendorName, r.Vehicle, r.Location, string(r.Type)} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// List returns the user's receipts matching f, newest first
func (s *Service) List(userID string, f Filter) ([]*Record, error) {
	records, err := s.store.List(userID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	matched := make([]*Record, 0, len(records))
	for _, r := range records {
		if f.matches(r) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})
	return matched, nil
}

// Get returns one receipt
func (s *Service) Get(userID, id string) (*Record, error) {
	return s.store.Get(userID, id)
}

// GetImage returns the source image of a receipt and its sniffed content type
func (s *Service) GetImage(userID, id string) ([]byte, string, error) {
	rec, err := s.store.Get(userID, id)
	if err != nil {
		return nil, "", err
	}
	if rec.ImageRef == "" {
		return nil, "", fmt.Errorf("%w: receipt %s has no image", ErrNotFound, id)
	}
	data, err := s.images.Get(rec.ImageRef)
	if err != nil {
		return nil, "", fmt.Errorf("reading image: %w", err)
	}
	return data, http.DetectContentType(data), nil
}

// Period is a statistics window ending now
type Period string

const (
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
	PeriodAll   Period = "all"
)

// ParsePeriod accepts week, month, year or all; empty means week
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PeriodWeek, nil
	case PeriodWeek, PeriodMonth, PeriodYear, PeriodAll:
		return p, nil
	default:
		return "", fmt.Errorf("unknown period %q", s)
	}
}

func (p Period) since(now time.Time) time.Time {
	switch p {
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodMonth:
		return now.AddDate(0, -1, 0)
	case PeriodYear:
		return now.AddDate(-1, 0, 0)
	default:
		return time.Time{}
	}
}

// TypeStats aggregates the receipts of one type
type TypeStats struct {
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// Stats summarises a user's receipts over a period
type Stats struct {
	Period   Period             `json:"period"`
	Count    int                `json:"count"`
	Pending  int                `json:"pending"`
	Approved int                `json:"approved"`
	ByType   map[Type]TypeStats `json:"byType"`
	Total    decimal.Decimal    `json:"total"`
}

// Stats counts and totals the receipts dated within the period
func (s *Service) Stats(userID string, period Period) (*Stats, error) {
	records, err := s.store.List(userID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	since := period.since(s.clock.Now())
	stats := &Stats{
		Period: period,
		ByType: map[Type]TypeStats{
			TypeFuel:        {Total: decimal.Zero},
			TypeMaintenance: {Total: decimal.Zero},
			TypeOther:       {Total: decimal.Zero},
		},
		Total: decimal.Zero,
	}

	for _, r := range records {
		if !since.IsZero() && recordDate(r).Before(since) {
			continue
		}

		stats.Count++
		switch r.Status {
		case StatusApproved:
			stats.Approved++
		default:
			stats.Pending++
		}

		amount := ParseAmount(r.Amount)
		ts := stats.ByType[r.Type]
		ts.Count++
		ts.Total = ts.Total.Add(amount)
		stats.ByType[r.Type] = ts
		stats.Total = stats.Total.Add(amount)
	}
	return stats, nil
}

// recordDate prefers the receipt date and falls back to the creation time
func recordDate(r *Record) time.Time {
	if d, err := time.Parse("2006-01-02", r.Date); err == nil {
		return d
	}
	return r.Timestamp
}

var nonNumeric = regexp.MustCompile(`[^0-9.\-]`)

// ParseAmount reads a currency string such as "$1,234.50". Unreadable amounts count as zero.
func ParseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(nonNumeric.ReplaceAllString(s, ""))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// GetProfile returns the user's profile, or an empty one if none was saved yet
func (s *Service) GetProfile(uid, email string) (*Profile, error) {
	p, err := s.store.GetProfile(uid)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return &Profile{UID: uid, Email: email}, nil
}

// ProfileUpdate carries the editable profile fields
type ProfileUpdate struct {
	Email     string `json:"email"`
	FirstName string `json:"fname"`
	LastName  string `json:"lname"`
}

// UpdateProfile creates or replaces the user's profile, keeping its creation time
func (s *Service) UpdateProfile(uid string, u ProfileUpdate) (*Profile, error) {
	now := s.clock.Now().UTC()

	p, err := s.store.GetProfile(uid)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		p = &Profile{UID: uid, CreatedAt: now}
	default:
		return nil, fmt.Errorf("getting profile: %w", err)
	}

	p.Email = strings.TrimSpace(u.Email)
	p.FirstName = strings.TrimSpace(u.FirstName)
	p.LastName = strings.TrimSpace(u.LastName)
	p.UpdatedAt = now

	if err := s.store.SaveProfile(p); err != nil {
		return nil, fmt.Errorf("saving profile: %w", err)
	}
	return p, nil
}
