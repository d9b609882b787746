package receipts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiptflow/internal/identity"
	"receiptflow/internal/receipts/models"
)

func TestScopeFor(t *testing.T) {
	_, err := ScopeFor(nil)
	assert.Error(t, err)

	scope, err := ScopeFor(&identity.Session{SubjectID: "amb-1", Role: identity.RoleAmbassador})
	require.NoError(t, err)
	assert.Equal(t, models.Equal(models.FieldOwner, "amb-1"), scope)

	for _, role := range []identity.Role{identity.RoleAdmin, identity.RoleSuperadmin} {
		scope, err := ScopeFor(&identity.Session{SubjectID: "rev", Role: role})
		require.NoError(t, err)
		assert.True(t, scope.IsAll())
	}
}

func TestScope_Matches(t *testing.T) {
	r := models.Receipt{ID: "r1", OwnerID: "amb-1", SenderID: "t1", Status: models.StatusPending}

	assert.True(t, models.Scope{}.Matches(r))
	assert.True(t, models.Equal(models.FieldOwner, "amb-1").Matches(r))
	assert.False(t, models.Equal(models.FieldOwner, "amb-2").Matches(r))
	assert.True(t, models.In(models.FieldSender, "t0", "t1").Matches(r))
	assert.True(t, models.Equal(models.FieldStatus, "pending").Matches(r))
	assert.False(t, models.Scope{Field: models.FieldOwner}.Matches(r), "empty membership matches nothing")
	assert.False(t, models.Equal("unknown", "x").Matches(r))
}
