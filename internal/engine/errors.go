package engine

import (
	"errors"
	"fmt"
	"strings"

	"stagegate/internal/repo"
)

var (
	ErrPreconditionNotMet   = errors.New("precondition not met")
	ErrDuplicateSubmission  = errors.New("duplicate submission")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrNotAllowedInStage    = errors.New("not allowed in stage")
	ErrSlotOccupied         = errors.New("slot occupied")
	ErrNotInQueue           = errors.New("not in queue")
	ErrUnauthorizedReviewer = errors.New("unauthorized reviewer")
	ErrCampaignExists       = errors.New("campaign already started")
	ErrNoCampaign           = errors.New("no campaign started")
	ErrUnknownKind          = errors.New("unknown artifact kind")
	ErrUnknownAgent         = errors.New("unknown agent type")
	ErrResultDiscarded      = errors.New("result discarded")
	ErrAuditFault           = errors.New("audit fault")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotFound             = repo.ErrNotFound
)

// PreconditionError lists every unmet reason in a deterministic order.
type PreconditionError struct {
	Target  string
	Reasons []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot move to %s: %s", e.Target, strings.Join(e.Reasons, "; "))
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionNotMet }

type DuplicateError struct {
	Existing string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("open artifact %s already holds this slot", e.Existing)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateSubmission }

type TransitionError struct {
	Subject string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Subject, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
