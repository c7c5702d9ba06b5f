package capture

import (
	"time"

	"github.com/zombor/fleet-receipts/internal/receipt"
	"github.com/zombor/fleet-receipts/internal/scanning"
)

// View is a consistent snapshot of a session for display
type View struct {
	ID             string                   `json:"id"`
	Stage          Stage                    `json:"stage"`
	Progress       float64                  `json:"progress"`
	ImageRef       string                   `json:"imageRef"`
	RecognizedText string                   `json:"recognizedText,omitempty"`
	Classification *scanning.Classification `json:"classification,omitempty"`
	ClassifiedBy   string                   `json:"classifiedBy,omitempty"`
	Edits          map[string]string        `json:"edits"`
	Candidate      *receipt.Fields          `json:"candidate,omitempty"`
	ErrorKind      string                   `json:"errorKind,omitempty"`
	Error          string                   `json:"error,omitempty"`
	Retryable      bool                     `json:"retryable"`
	Record         *receipt.Record          `json:"record,omitempty"`
	CreatedAt      time.Time                `json:"createdAt"`
	UpdatedAt      time.Time                `json:"updatedAt"`
}

// userMessages hide transport details; the underlying errors are only logged
var userMessages = map[string]string{
	KindRecognitionFailed: "We could not read this receipt. Check your connection and try again.",
	KindStoreWriteFailed:  "The receipt could not be saved. Your changes are kept; try again.",
	KindAbandoned:         "This capture was abandoned.",
}

// Snapshot returns the current view of the session
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:             s.id,
		Stage:          s.stage,
		Progress:       progress[s.stage],
		ImageRef:       s.draft.imageRef,
		RecognizedText: s.draft.recognizedText,
		ClassifiedBy:   s.draft.classifiedBy,
		Edits:          make(map[string]string, len(s.draft.userEdits)),
		ErrorKind:      s.failKind,
		Error:          userMessages[s.failKind],
		Retryable:      s.retryableLocked(),
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
	if s.stage == StageFailed {
		v.Progress = progress[s.failedAt]
	}
	for k, val := range s.draft.userEdits {
		v.Edits[k] = val
	}
	if s.draft.classification != nil {
		c := *s.draft.classification
		v.Classification = &c
		fields := receipt.Merge(s.draft.classification, s.draft.userEdits)
		v.Candidate = &fields
	}
	if s.record != nil {
		rec := *s.record
		v.Record = &rec
	}
	return v
}
