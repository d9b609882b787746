package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	dErrors "receiptflow/pkg/domain-errors"
)

// maxIDLength bounds opaque identifiers accepted at trust boundaries.
const maxIDLength = 128

// SubjectID identifies an authenticated principal as issued by the identity
// provider. It doubles as the scope key for an ambassador's receipts.
type SubjectID string

// ReceiptID is the opaque, store-assigned receipt identifier.
type ReceiptID string

// SenderID identifies who submitted a receipt on the messaging side and is the
// account credited when the receipt is approved.
type SenderID string

func (id SubjectID) String() string { return string(id) }
func (id ReceiptID) String() string { return string(id) }
func (id SenderID) String() string  { return string(id) }

func (id SubjectID) IsNil() bool { return id == "" }
func (id ReceiptID) IsNil() bool { return id == "" }
func (id SenderID) IsNil() bool  { return id == "" }

// ParseSubjectID validates an identity provider subject.
func ParseSubjectID(s string) (SubjectID, error) {
	v, err := parseOpaque("subject id", s)
	return SubjectID(v), err
}

// ParseReceiptID validates a receipt identifier taken from a URL or payload.
func ParseReceiptID(s string) (ReceiptID, error) {
	v, err := parseOpaque("receipt id", s)
	return ReceiptID(v), err
}

// ParseSenderID validates a sender identifier.
func ParseSenderID(s string) (SenderID, error) {
	v, err := parseOpaque("sender id", s)
	return SenderID(v), err
}

func parseOpaque(kind, s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > maxIDLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is too long")
	}
	if !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" must be valid UTF-8")
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) || r == '/' || r == '\u200b' {
			return "", dErrors.New(dErrors.CodeInvalidInput, kind+" contains invalid characters")
		}
	}
	return s, nil
}
