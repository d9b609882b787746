package receipts

import (
	"receiptflow/internal/identity"
	"receiptflow/internal/receipts/models"
	dErrors "receiptflow/pkg/domain-errors"
)

// ScopeFor derives the live query filter from a session: ambassadors see their
// own receipts, reviewers see everything. A nil session has no scope.
func ScopeFor(session *identity.Session) (models.Scope, error) {
	if session == nil {
		return models.Scope{}, dErrors.New(dErrors.CodeUnauthorized, "no session")
	}
	if session.Role.IsReviewer() {
		return models.Scope{}, nil
	}
	return models.Equal(models.FieldOwner, session.SubjectID.String()), nil
}
