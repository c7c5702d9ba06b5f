package capture

import (
	"errors"
	"fmt"
)

// Stage is a point in the capture pipeline
type Stage string

const (
	StageCaptured    Stage = "Captured"
	StageRecognizing Stage = "Recognizing"
	StageRecognized  Stage = "Recognized"
	StageClassifying Stage = "Classifying"
	StageClassified  Stage = "Classified"
	StageVerifying   Stage = "Verifying"
	StageSaving      Stage = "Saving"
	StageSaved       Stage = "Saved"
	StageFailed      Stage = "Failed"
)

var (
	// ErrInvalidStage is returned when an operation is not allowed in the current stage
	ErrInvalidStage = errors.New("invalid stage")

	// ErrAbandoned is returned for operations on, or results arriving for, an abandoned session
	ErrAbandoned = errors.New("capture abandoned")

	// ErrSessionNotFound is returned when a session id is unknown to the user
	ErrSessionNotFound = errors.New("capture session not found")

	// ErrUnknownField is returned when an edit names a field that does not exist
	ErrUnknownField = errors.New("unknown field")
)

// transitions lists the allowed next stages. Failed is reachable from every active
// stage through abandonment; Failed -> Recognizing is the recognition retry and
// Saving -> Verifying is the recoverable store failure.
var transitions = map[Stage][]Stage{
	StageCaptured:    {StageRecognizing, StageFailed},
	StageRecognizing: {StageRecognized, StageFailed},
	StageRecognized:  {StageClassifying, StageFailed},
	StageClassifying: {StageClassified, StageFailed},
	StageClassified:  {StageVerifying, StageFailed},
	StageVerifying:   {StageSaving, StageFailed},
	StageSaving:      {StageSaved, StageVerifying, StageFailed},
	StageFailed:      {StageRecognizing},
	StageSaved:       {},
}

func canTransition(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func invalidStage(op string, stage Stage) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidStage, op, stage)
}

// progress is for display only
var progress = map[Stage]float64{
	StageCaptured:    0,
	StageRecognizing: 0.15,
	StageRecognized:  0.4,
	StageClassifying: 0.5,
	StageClassified:  0.7,
	StageVerifying:   0.8,
	StageSaving:      0.9,
	StageSaved:       1,
}
