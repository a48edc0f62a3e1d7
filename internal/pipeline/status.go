package pipeline

import (
	"errors"
	"fmt"

	"github.com/ticketpipe-io/ticketpipe/internal/models"
)

var (
	// ErrConflict marks a lost claim race: another worker transitioned the
	// message first. Dispatchers skip it silently.
	ErrConflict = errors.New("message already claimed")
	// ErrInvalidTransition marks a dispatch against a state that is not
	// the legal predecessor. Programming error, never ignored.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound marks a message that vanished between scan and update.
	ErrNotFound = errors.New("message not found")
)

// Stage is one pipeline phase. Stages run strictly in Stages order; a
// stage may only start once its predecessor recorded success.
type Stage string

const (
	StageOCR     Stage = "OCR"
	StageSummary Stage = "SUMMARY"
	StageIssue   Stage = "ISSUE"
)

// Stages lists all stages in pipeline order.
var Stages = []Stage{StageOCR, StageSummary, StageIssue}

// Processing returns the stage's in-progress status.
func (s Stage) Processing() models.Status {
	return models.Status(string(s) + "_PROCESSING")
}

// Success returns the stage's terminal-success status.
func (s Stage) Success() models.Status {
	return models.Status(string(s) + "_SUCCESS")
}

// Failed returns the stage's terminal-failure status.
func (s Stage) Failed() models.Status {
	return models.Status(string(s) + "_FAILED")
}

// EntryStatus returns the only status a message may be in for this stage
// to be claimed: the predecessor's success, or FETCHED for the first stage.
func (s Stage) EntryStatus() models.Status {
	for i, stage := range Stages {
		if stage != s {
			continue
		}
		if i == 0 {
			return models.StatusFetched
		}
		return Stages[i-1].Success()
	}
	return ""
}

// ClaimableStatuses lists every status the dispatch job scans for,
// paired with the stage it feeds.
func ClaimableStatuses() map[models.Status]Stage {
	out := make(map[models.Status]Stage, len(Stages))
	for _, stage := range Stages {
		out[stage.EntryStatus()] = stage
	}
	return out
}

// StageFor returns the stage whose entry status is from, or an
// ErrInvalidTransition if from is not claimable.
func StageFor(from models.Status) (Stage, error) {
	for _, stage := range Stages {
		if stage.EntryStatus() == from {
			return stage, nil
		}
	}
	return "", fmt.Errorf("%w: %s is not claimable", ErrInvalidTransition, from)
}

// ProcessingStage returns the stage a processing status belongs to.
func ProcessingStage(status models.Status) (Stage, bool) {
	for _, stage := range Stages {
		if stage.Processing() == status {
			return stage, true
		}
	}
	return "", false
}

// FailedStage returns the stage a failed status belongs to.
func FailedStage(status models.Status) (Stage, bool) {
	for _, stage := range Stages {
		if stage.Failed() == status {
			return stage, true
		}
	}
	return "", false
}

// IsTerminalSuccess reports whether the whole pipeline completed.
func IsTerminalSuccess(status models.Status) bool {
	return status == Stages[len(Stages)-1].Success()
}

// IsTerminal reports whether a status ends the pipeline: the final
// success or any stage's failed status. Everything else still holds a
// live claim on its stored file.
func IsTerminal(status models.Status) bool {
	if IsTerminalSuccess(status) {
		return true
	}
	_, failed := FailedStage(status)
	return failed
}

// ResetTarget returns the status a stuck or failed message at the given
// stage is reset to: the stage's own entry status, so it becomes eligible
// for re-dispatch of the same stage.
func ResetTarget(stage Stage) models.Status {
	return stage.EntryStatus()
}

// ValidResetTarget reports whether target is a legal operator reset
// destination: FETCHED or any stage success with a successor.
func ValidResetTarget(target models.Status) bool {
	_, err := StageFor(target)
	return err == nil
}
