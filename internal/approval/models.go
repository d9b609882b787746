package approval

import (
	id "receiptflow/pkg/domain"
)

// ApproveRequest is the payload of the privileged approveReceipt callable.
type ApproveRequest struct {
	ReceiptID id.ReceiptID `json:"receiptId"`
	SenderID  id.SenderID  `json:"senderId"`
	Amount    float64      `json:"amount"`
}

// ApproveResult is what the callable returns after crediting the sender.
type ApproveResult struct {
	ReceiptID id.ReceiptID `json:"receiptId"`
	Balance   float64      `json:"balance"`
}

// Callable error statuses carried in the error envelope.
const (
	StatusInvalidArgument  = "INVALID_ARGUMENT"
	StatusUnauthenticated  = "UNAUTHENTICATED"
	StatusPermissionDenied = "PERMISSION_DENIED"
	StatusNotFound         = "NOT_FOUND"
	StatusFailedPrecond    = "FAILED_PRECONDITION"
	StatusAborted          = "ABORTED"
	StatusInternal         = "INTERNAL"
	StatusUnavailable      = "UNAVAILABLE"
)

// CallRequest is the callable request envelope.
type CallRequest struct {
	Data ApproveRequest `json:"data"`
}

// CallResponse is the callable response envelope. Exactly one of Result and
// Error is set.
type CallResponse struct {
	Result *ApproveResult `json:"result,omitempty"`
	Error  *CallError     `json:"error,omitempty"`
}

// CallError is the error half of the callable envelope.
type CallError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e *CallError) Error() string {
	return "approveReceipt: " + e.Status + ": " + e.Message
}
