// Package auth consolidates every permission check behind one predicate,
// `Authorize`, per spec §9's "Dynamic permission checking" redesign note:
// the original evaluates API-key permissions ad hoc in multiple call
// sites; here every core operation invokes this single entry point.
//
// Grounded on common/credentialFactory.go's centralization of credential
// resolution into one call site, applied here to authorization rather
// than authentication.
package auth

import (
	"github.com/scribeforge/scribeforge/internal/errs"
	"github.com/scribeforge/scribeforge/internal/ids"
	"github.com/scribeforge/scribeforge/internal/store"
)

// Action names the operations spec §6 exposes; a key's permission set is a
// subset of these strings.
type Action string

const (
	ActionSubmitJob   Action = "submit_job"
	ActionInitUpload  Action = "init_upload"
	ActionPutChunk    Action = "put_chunk"
	ActionSealUpload  Action = "seal_upload"
	ActionGetJob      Action = "get_job"
	ActionListJobs    Action = "list_jobs"
	ActionCancelJob   Action = "cancel_job"
	ActionSubmitBatch Action = "submit_batch"
	ActionGetBatch    Action = "get_batch"
	ActionCancelBatch Action = "cancel_batch"
	ActionSubscribe   Action = "subscribe"
	ActionAdmin       Action = "admin"
)

// Principal is the authenticated caller a front hands to the core: either
// a user acting directly, or a user acting through a scoped API key.
type Principal struct {
	User   store.User
	ApiKey *store.ApiKey // nil when the user is authenticated directly, not via a key
}

// Authorize reports whether principal may perform action against a
// resource owned by resourceOwner (the zero UserID for actions with no
// single owner, e.g. list_jobs as admin). Every core operation calls this
// at its entry before touching Store (spec §9).
func Authorize(principal Principal, action Action, resourceOwner ids.UserID) error {
	if principal.User.Disabled {
		return errs.Forbidden("account disabled")
	}

	if principal.ApiKey != nil {
		if principal.ApiKey.Revoked {
			return errs.Forbidden("api key revoked")
		}
		if !principal.ApiKey.Permissions[string(action)] {
			return errs.Forbidden("api key lacks permission for " + string(action))
		}
	}

	if action == ActionAdmin {
		if principal.User.Role != store.RoleAdmin {
			return errs.Forbidden("admin role required")
		}
		return nil
	}

	if principal.User.Role == store.RoleAdmin {
		return nil
	}

	if !resourceOwner.IsZero() && resourceOwner != principal.User.ID {
		return errs.Forbidden("not the owner of this resource")
	}
	return nil
}
