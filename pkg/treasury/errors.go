package treasury

import "errors"

// Validation errors are returned synchronously and are non-fatal: treasury
// state is unchanged on any rejected call. The one fatal class, transfer
// failure after the Executing transition, surfaces as ErrTransferFailed
// and is never auto-reverted.
var (
	ErrNotAuthorized                 = errors.New("caller is not an authorized treasury role")
	ErrAlreadyConfirmed              = errors.New("role has already confirmed this proposal")
	ErrProposalExpired               = errors.New("proposal has expired")
	ErrProposalNotFound              = errors.New("proposal not found")
	ErrInvalidStateTransition        = errors.New("invalid proposal state transition")
	ErrInsufficientUnreservedBalance = errors.New("amount exceeds unreserved balance")
	ErrTreasuryPaused                = errors.New("treasury is paused")
	ErrTreasuryNotPaused             = errors.New("treasury is not paused")
	ErrInvalidAmount                 = errors.New("amount must be positive")
	ErrInvalidTTL                    = errors.New("ttl exceeds the configured maximum")
	ErrPolicyDenied                  = errors.New("withdrawal denied by treasury policy")
	ErrTransferFailed                = errors.New("outbound transfer failed after execution commit")
)
