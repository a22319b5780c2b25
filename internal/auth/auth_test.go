package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scribeforge/scribeforge/internal/errs"
	"github.com/scribeforge/scribeforge/internal/ids"
	"github.com/scribeforge/scribeforge/internal/store"
)

func TestAuthorizeRejectsDisabledAccount(t *testing.T) {
	p := Principal{User: store.User{ID: ids.NewUserID(), Disabled: true}}
	err := Authorize(p, ActionGetJob, ids.UserID{})
	require.Error(t, err)
	ce, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindForbidden, ce.Kind)
}

func TestAuthorizeRejectsOwnershipMismatchForOrdinaryUser(t *testing.T) {
	owner := ids.NewUserID()
	other := ids.NewUserID()
	p := Principal{User: store.User{ID: other, Role: store.RoleUser}}

	err := Authorize(p, ActionGetJob, owner)
	require.Error(t, err)
}

func TestAuthorizeAllowsOwner(t *testing.T) {
	owner := ids.NewUserID()
	p := Principal{User: store.User{ID: owner, Role: store.RoleUser}}
	require.NoError(t, Authorize(p, ActionGetJob, owner))
}

func TestAuthorizeAdminBypassesOwnership(t *testing.T) {
	admin := ids.NewUserID()
	owner := ids.NewUserID()
	p := Principal{User: store.User{ID: admin, Role: store.RoleAdmin}}
	require.NoError(t, Authorize(p, ActionGetJob, owner))
}

func TestAuthorizeAdminActionRequiresAdminRole(t *testing.T) {
	p := Principal{User: store.User{ID: ids.NewUserID(), Role: store.RoleUser}}
	err := Authorize(p, ActionAdmin, ids.UserID{})
	require.Error(t, err)
}

func TestAuthorizeApiKeyMustCarryPermission(t *testing.T) {
	owner := ids.NewUserID()
	p := Principal{
		User:   store.User{ID: owner, Role: store.RoleUser},
		ApiKey: &store.ApiKey{Owner: owner, Permissions: map[string]bool{"get_job": true}},
	}
	require.NoError(t, Authorize(p, ActionGetJob, owner))

	err := Authorize(p, ActionCancelJob, owner)
	require.Error(t, err)
}

func TestAuthorizeRejectsRevokedApiKey(t *testing.T) {
	owner := ids.NewUserID()
	p := Principal{
		User:   store.User{ID: owner, Role: store.RoleUser},
		ApiKey: &store.ApiKey{Owner: owner, Revoked: true, Permissions: map[string]bool{"get_job": true}},
	}
	err := Authorize(p, ActionGetJob, owner)
	require.Error(t, err)
}
