package executor

// Structured rejection reasons. Reason is diagnostic and machine-usable;
// Error is terminal and human-readable.
const (
	ReasonNoBalance           = "no-balance"
	ReasonBelowMinimum        = "below-minimum"
	ReasonInsufficientBalance = "insufficient-balance"
	ReasonUnknownToken        = "unknown-token"
	ReasonMarketUnavailable   = "market-unavailable"
	ReasonVenueRejected       = "venue-rejected"
	ReasonAgentMissing        = "agent-wallet-missing"
	ReasonSecurityLimit       = "security-limit-hit"
)

// ExecutionResult is the outcome of one execute or close call for one
// deployment. Message carries idempotent "already done" successes.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	PositionID string `json:"positionId,omitempty"`
	TxRef      string `json:"txRef,omitempty"`
	Error      string `json:"error,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	Summary    string `json:"executionSummary,omitempty"`
}

func failure(err, reason string) *ExecutionResult {
	return &ExecutionResult{Error: err, Reason: reason}
}

func idempotent(positionID, message string) *ExecutionResult {
	return &ExecutionResult{Success: true, PositionID: positionID, Message: message}
}
