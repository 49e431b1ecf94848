package apperrors

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrAnalysisRunning    = errors.New("an analysis is already running for this framework")
	ErrNoEligiblePolicies = errors.New("no finalized policies with extracted text")
	ErrAnalysisTerminal   = errors.New("analysis is in a terminal state")
)
