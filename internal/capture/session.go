package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zombor/fleet-receipts/internal/auth"
	"github.com/zombor/fleet-receipts/internal/receipt"
	"github.com/zombor/fleet-receipts/internal/scanning"
)

// Classification sources reported in views and events
const (
	SourceRemote   = "remote"
	SourceFallback = "fallback"
)

// Failure kinds shown to the user
const (
	KindRecognitionFailed = "recognition_failed"
	KindStoreWriteFailed  = "store_write_failed"
	KindAbandoned         = "abandoned"
)

// draft is the mutable receipt owned by one session
type draft struct {
	imageRef       string
	recognizedText string
	classification *scanning.Classification
	classifiedBy   string
	userEdits      map[string]string
}

// Session coordinates one capture from image to record. All methods are safe for
// concurrent use; remote calls run without the lock held.
type Session struct {
	id       string
	user     auth.Session
	pipeline *Pipeline

	mu        sync.Mutex
	stage     Stage
	draft     draft
	failedAt  Stage
	failKind  string
	abandoned bool
	pending   *receipt.Candidate
	saving    bool
	record    *receipt.Record
	cancel    context.CancelFunc
	run       uint64
	outbox    []Event
	createdAt time.Time
	updatedAt time.Time
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// UserID returns the owner of the session
func (s *Session) UserID() string {
	return s.user.UserID
}

// Stage returns the current stage
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Start runs recognition and classification, leaving the session in Verifying.
// A recognition failure leaves it in Failed and is returned.
func (s *Session) Start(ctx context.Context) error {
	return s.recognize(ctx, StageCaptured)
}

// Edit records a user override for field. Only allowed in Verifying. An edit
// discards a pending save retry since the candidate has changed.
func (s *Session) Edit(field, value string) error {
	return s.EditAll(map[string]string{field: value})
}

// EditAll applies several edits at once; nothing is applied if any field is unknown
func (s *Session) EditAll(edits map[string]string) error {
	for field := range edits {
		if !receipt.IsField(field) {
			return fmt.Errorf("%w: %q", ErrUnknownField, field)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abandoned {
		return ErrAbandoned
	}
	if s.stage != StageVerifying {
		return invalidStage("edit", s.stage)
	}
	for field, value := range edits {
		s.draft.userEdits[field] = value
	}
	s.pending = nil
	s.failKind = ""
	s.updatedAt = s.pipeline.now()
	return nil
}

// Candidate returns the merged fields currently shown for verification
func (s *Session) Candidate() (receipt.Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draft.classification == nil {
		return receipt.Fields{}, invalidStage("read candidate", s.stage)
	}
	return receipt.Merge(s.draft.classification, s.draft.userEdits), nil
}

// Confirm validates the merged fields and persists them. A *receipt.ValidationError
// leaves the stage unchanged; a store failure returns the session to Verifying with
// the candidate kept for Retry.
func (s *Session) Confirm(ctx context.Context) (*receipt.Record, error) {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return nil, ErrAbandoned
	}
	if s.stage != StageVerifying {
		stage := s.stage
		s.mu.Unlock()
		return nil, invalidStage("confirm", stage)
	}

	fields := receipt.Merge(s.draft.classification, s.draft.userEdits)
	if err := receipt.Validate(fields); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	return s.saveLocked(ctx, receipt.Candidate{
		Fields:        fields,
		ExtractedText: s.draft.recognizedText,
		ImageRef:      s.draft.imageRef,
	})
}

// Retry re-runs only the step that failed: recognition from Failed, or the store
// write with the exact candidate of the failed attempt.
func (s *Session) Retry(ctx context.Context) (*receipt.Record, error) {
	s.mu.Lock()
	switch {
	case s.abandoned:
		s.mu.Unlock()
		return nil, ErrAbandoned
	case s.stage == StageFailed && s.failedAt == StageRecognizing:
		s.mu.Unlock()
		return nil, s.recognize(ctx, StageFailed)
	case s.stage == StageVerifying && s.pending != nil:
		return s.saveLocked(ctx, *s.pending)
	default:
		stage := s.stage
		s.mu.Unlock()
		return nil, invalidStage("retry", stage)
	}
}

// Abandon ends the session. In-flight calls are cancelled and their results discarded.
func (s *Session) Abandon() error {
	s.mu.Lock()

	if s.abandoned {
		s.mu.Unlock()
		return ErrAbandoned
	}
	if s.stage == StageSaved {
		s.mu.Unlock()
		return invalidStage("abandon", StageSaved)
	}

	from := s.stage
	if from != StageFailed {
		s.failedAt = from
	}
	s.abandoned = true
	s.failKind = KindAbandoned
	s.pending = nil
	s.run++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.stage = StageFailed
	s.updatedAt = s.pipeline.now()
	s.outbox = append(s.outbox, s.event(from, StageFailed, KindAbandoned))
	s.unlockAndNotify()
	return nil
}

// Retryable reports whether Retry would do anything
func (s *Session) Retryable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryableLocked()
}

func (s *Session) retryableLocked() bool {
	if s.abandoned {
		return false
	}
	return (s.stage == StageFailed && s.failedAt == StageRecognizing) ||
		(s.stage == StageVerifying && s.pending != nil)
}

// Terminal reports whether the session is Saved or abandoned
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned || s.stage == StageSaved
}

// orphanedImage returns the image reference when no record can point at it:
// nothing was saved and no store write is still in flight
func (s *Session) orphanedImage() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.imageRef, s.record == nil && !s.saving
}

// UpdatedAt returns the time of the last change
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

func (s *Session) recognize(ctx context.Context, from Stage) error {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return ErrAbandoned
	}
	if s.stage != from || (from == StageFailed && s.failedAt != StageRecognizing) {
		stage := s.stage
		s.mu.Unlock()
		return invalidStage("recognize", stage)
	}
	if err := s.moveLocked(StageRecognizing, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	s.failKind = ""
	callCtx, cancel, run := s.beginCallLocked(ctx, s.pipeline.timeouts.Recognize)
	defer cancel()
	imageRef := s.draft.imageRef
	s.unlockAndNotify()

	text, err := s.pipeline.recognizer.Recognize(callCtx, imageRef)
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("%w: empty text", scanning.ErrRecognitionFailed)
	}
	if err != nil && !errors.Is(err, scanning.ErrRecognitionFailed) {
		err = fmt.Errorf("%w: %w", scanning.ErrRecognitionFailed, err)
	}

	s.mu.Lock()
	if s.staleLocked(run) {
		s.mu.Unlock()
		return ErrAbandoned
	}
	if err != nil {
		slog.Error("recognition failed",
			"session_id", s.id,
			"user_id", s.user.UserID,
			"stage", StageRecognizing,
			"image_ref", imageRef,
			"error", err,
		)
		s.failedAt = StageRecognizing
		s.failKind = KindRecognitionFailed
		if moveErr := s.moveLocked(StageFailed, KindRecognitionFailed); moveErr != nil {
			s.mu.Unlock()
			return moveErr
		}
		s.unlockAndNotify()
		return err
	}

	s.draft.recognizedText = text
	if err := s.moveLocked(StageRecognized, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	s.unlockAndNotify()

	return s.classify(ctx)
}

func (s *Session) classify(ctx context.Context) error {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return ErrAbandoned
	}
	if err := s.moveLocked(StageClassifying, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	callCtx, cancel, run := s.beginCallLocked(ctx, s.pipeline.timeouts.Classify)
	defer cancel()
	text := s.draft.recognizedText
	s.unlockAndNotify()

	c, source := s.runClassifier(callCtx, text)

	s.mu.Lock()
	if s.staleLocked(run) {
		s.mu.Unlock()
		return ErrAbandoned
	}
	s.draft.classification = c
	s.draft.classifiedBy = source
	if err := s.moveLocked(StageClassified, source); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.moveLocked(StageVerifying, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	s.unlockAndNotify()
	return nil
}

// runClassifier never fails: any remote error is logged and the offline heuristics are used
func (s *Session) runClassifier(ctx context.Context, text string) (*scanning.Classification, string) {
	if s.pipeline.classifier != nil {
		c, err := s.pipeline.classifier.Classify(ctx, text)
		if err == nil && c != nil {
			return c, SourceRemote
		}
		if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			slog.Warn("classification failed, using offline classifier",
				"session_id", s.id,
				"user_id", s.user.UserID,
				"stage", StageClassifying,
				"error", err,
			)
		}
	}

	fallback := s.pipeline.fallback.ClassifyOffline(text)
	return &fallback, SourceFallback
}

// saveLocked must be called with s.mu held and releases it
func (s *Session) saveLocked(ctx context.Context, c receipt.Candidate) (*receipt.Record, error) {
	if err := s.moveLocked(StageSaving, ""); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.pending = nil
	s.failKind = ""
	s.saving = true
	callCtx, cancel, run := s.beginCallLocked(ctx, s.pipeline.timeouts.Save)
	defer cancel()
	userID := s.user.UserID
	s.unlockAndNotify()

	rec, err := s.pipeline.store.Create(callCtx, userID, c)

	s.mu.Lock()
	s.saving = false
	if s.staleLocked(run) {
		if err == nil {
			// Sweep must not delete an image a record points at
			s.record = rec
			slog.Warn("receipt saved after capture was abandoned", "session_id", s.id, "user_id", userID, "record_id", rec.ID)
		}
		s.mu.Unlock()
		return nil, ErrAbandoned
	}
	if err != nil {
		if !errors.Is(err, receipt.ErrStoreWriteFailed) {
			err = fmt.Errorf("%w: %w", receipt.ErrStoreWriteFailed, err)
		}
		slog.Error("saving receipt failed",
			"session_id", s.id,
			"user_id", userID,
			"stage", StageSaving,
			"error", err,
		)
		s.pending = &c
		s.failKind = KindStoreWriteFailed
		if moveErr := s.moveLocked(StageVerifying, KindStoreWriteFailed); moveErr != nil {
			s.mu.Unlock()
			return nil, moveErr
		}
		s.unlockAndNotify()
		return nil, err
	}

	s.record = rec
	if err := s.moveLocked(StageSaved, ""); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.unlockAndNotify()
	return rec, nil
}

// beginCallLocked derives the context for one remote call; Abandon cancels it
func (s *Session) beginCallLocked(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, uint64) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	s.run++
	s.cancel = cancel
	return callCtx, cancel, s.run
}

// staleLocked reports whether a call's result must be discarded
func (s *Session) staleLocked(run uint64) bool {
	return s.abandoned || run != s.run
}

func (s *Session) moveLocked(to Stage, detail string) error {
	if !canTransition(s.stage, to) {
		return invalidStage("move to "+string(to), s.stage)
	}
	s.outbox = append(s.outbox, s.event(s.stage, to, detail))
	s.stage = to
	s.updatedAt = s.pipeline.now()
	return nil
}

func (s *Session) event(from, to Stage, detail string) Event {
	return Event{
		SessionID: s.id,
		UserID:    s.user.UserID,
		From:      from,
		To:        to,
		At:        s.pipeline.now(),
		Detail:    detail,
	}
}

// unlockAndNotify releases s.mu and then delivers queued events
func (s *Session) unlockAndNotify() {
	events := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	s.pipeline.notify(events)
}
