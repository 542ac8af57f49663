package ilp

// Error codes from spec.md §7.
const (
	CodeBadRequest          = "F00" // generic final / BTP parse or auth failure
	CodeInvalidPacket       = "F01" // missing/malformed Prepare fields
	CodeUnreachable         = "F02" // no route to destination
	CodeInvalidAmount       = "F03" // local delivery declined the amount
	CodeUnexpectedPayment   = "F06" // local delivery rule
	CodeApplicationError    = "F99" // local delivery generic decline
	CodeTransferTimedOut    = "R00" // expired on entry, or forwarding timed out
	CodeInternalError       = "T00" // settlement recording failure, local handler crash
	CodePeerUnreachable     = "T01" // outgoing BTP connection or auth failed
	CodeInsufficientLiquidity = "T04" // credit-limit violation
)

// NewReject builds a Reject with the given code/message, attributing it to
// triggeredBy (conventionally the local node's ILP address).
func NewReject(code, triggeredBy, message string) *Reject {
	return &Reject{
		Code:        code,
		TriggeredBy: triggeredBy,
		Message:     message,
	}
}
