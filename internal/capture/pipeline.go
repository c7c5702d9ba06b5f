package capture

import (
	"context"
	"time"

	"github.com/zombor/fleet-receipts/internal/auth"
	"github.com/zombor/fleet-receipts/internal/receipt"
	"github.com/zombor/fleet-receipts/internal/scanning"
)

// Creator is the part of the record store a session writes through
type Creator interface {
	Create(ctx context.Context, userID string, c receipt.Candidate) (*receipt.Record, error)
}

// Timeouts bound each remote call; expiry counts as that call's failure
type Timeouts struct {
	Recognize time.Duration
	Classify  time.Duration
	Save      time.Duration
}

// DefaultTimeouts are used for any zero value
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Recognize: 60 * time.Second,
		Classify:  45 * time.Second,
		Save:      10 * time.Second,
	}
}

// Pipeline holds the collaborators shared by all capture sessions
type Pipeline struct {
	recognizer scanning.Recognizer
	classifier scanning.Classifier
	fallback   *scanning.OfflineClassifier
	store      Creator
	observers  []Observer
	timeouts   Timeouts
	now        func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithObserver registers an observer for stage events
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		p.observers = append(p.observers, o)
	}
}

// WithTimeouts overrides the per-call timeouts
func WithTimeouts(t Timeouts) Option {
	return func(p *Pipeline) {
		def := DefaultTimeouts()
		if t.Recognize <= 0 {
			t.Recognize = def.Recognize
		}
		if t.Classify <= 0 {
			t.Classify = def.Classify
		}
		if t.Save <= 0 {
			t.Save = def.Save
		}
		p.timeouts = t
	}
}

// WithFallback replaces the built-in offline classifier, e.g. with custom keyword rules
func WithFallback(f *scanning.OfflineClassifier) Option {
	return func(p *Pipeline) {
		p.fallback = f
	}
}

// NewPipeline wires the pipeline. classifier may be nil, in which case every
// session is classified offline.
func NewPipeline(recognizer scanning.Recognizer, classifier scanning.Classifier, store Creator, opts ...Option) *Pipeline {
	p := &Pipeline{
		recognizer: recognizer,
		classifier: classifier,
		fallback:   scanning.NewOfflineClassifier(scanning.DefaultRules()),
		store:      store,
		timeouts:   DefaultTimeouts(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewSession starts a draft for an image that has already been stored under imageRef
func (p *Pipeline) NewSession(id string, user auth.Session, imageRef string) *Session {
	now := p.now()
	return &Session{
		id:       id,
		user:     user,
		pipeline: p,
		stage:    StageCaptured,
		draft: draft{
			imageRef:  imageRef,
			userEdits: make(map[string]string),
		},
		createdAt: now,
		updatedAt: now,
	}
}

func (p *Pipeline) notify(events []Event) {
	for _, e := range events {
		for _, o := range p.observers {
			o.StageChanged(e)
		}
	}
}
