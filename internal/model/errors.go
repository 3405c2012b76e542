package model

import "github.com/rotisserie/eris"

// Error taxonomy shared by the lookup, ledger and verification paths.
// Callers match with errors.Is; wrapped errors keep the sentinel in chain.
var (
	ErrValidation          = eris.New("validation error")
	ErrInsufficientCredits = eris.New("insufficient credits")
	ErrProviderTimeout     = eris.New("provider timeout")
	ErrProviderError       = eris.New("provider error")
	ErrDuplicateRequest    = eris.New("duplicate request")
	ErrLedgerConflict      = eris.New("ledger conflict")
	ErrNotFound            = eris.New("not found")
)

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return eris.Wrapf(ErrValidation, format, args...)
}
