package review

import (
	"time"

	"receiptflow/internal/gate"
	"receiptflow/internal/identity"
	"receiptflow/internal/receipts/models"
)

type NoticeKind string

const (
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
)

// Notice is a transient message that expires after the desk's TTL.
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	Message  string     `json:"message"`
	PostedAt time.Time  `json:"postedAt"`
}

// Row is one receipt plus the actions offered for it. Actions is empty for
// ambassadors and for terminal receipts.
type Row struct {
	Receipt models.Receipt `json:"receipt"`
	Actions []gate.Kind    `json:"actions,omitempty"`
}

type Confirmation struct {
	Kind    gate.Kind      `json:"kind"`
	Receipt models.Receipt `json:"receipt"`
}

// View is the serialisable desk state.
type View struct {
	Loading      bool            `json:"loading"`
	NoSession    bool            `json:"noSession,omitempty"`
	Failed       bool            `json:"failed,omitempty"`
	Role         identity.Role   `json:"role,omitempty"`
	Rows         []Row           `json:"rows"`
	EmptyMessage string          `json:"emptyMessage,omitempty"`
	Detail       *models.Receipt `json:"detail,omitempty"`
	Confirmation *Confirmation   `json:"confirmation,omitempty"`
	Executing    bool            `json:"executing"`
	Notice       *Notice         `json:"notice,omitempty"`
}
