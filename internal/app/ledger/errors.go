package ledger

import "errors"

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInsufficientStake = errors.New("insufficient stake")
	ErrUnknownTarget     = errors.New("unknown stake target")
	ErrUnknownPosition   = errors.New("unknown stake position")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidEpoch      = errors.New("invalid epoch")
	ErrCapExhausted      = errors.New("epoch cap exhausted")
	ErrAlreadyApplied    = errors.New("already applied")
	ErrAlreadyRunning    = errors.New("distribution round already running")
	ErrNothingVested     = errors.New("nothing vested")
	ErrUnknownGrant      = errors.New("unknown grant")
	ErrUnknownProposal   = errors.New("unknown proposal")
	ErrUnknownRun        = errors.New("unknown distribution run")
	ErrOverflow          = errors.New("balance overflow")
	ErrClockMismatch     = errors.New("snapshot epoch anchor does not match clock")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrInsufficientStake, "InsufficientStake"},
	{ErrUnknownTarget, "UnknownTarget"},
	{ErrUnknownPosition, "UnknownPosition"},
	{ErrUnknownAccount, "UnknownAccount"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrInvalidEpoch, "InvalidEpoch"},
	{ErrCapExhausted, "CapExhausted"},
	{ErrAlreadyApplied, "AlreadyApplied"},
	{ErrAlreadyRunning, "AlreadyRunning"},
	{ErrNothingVested, "NothingVested"},
	{ErrUnknownGrant, "UnknownGrant"},
	{ErrUnknownProposal, "UnknownProposal"},
	{ErrUnknownRun, "UnknownRun"},
	{ErrOverflow, "Overflow"},
}

// Code returns the outcome tag for err, or "Internal" when err is not one of
// the ledger's errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

// Add returns a+b or ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrOverflow
	}
	return sum, nil
}
