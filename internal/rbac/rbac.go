package rbac

type Role string
type Action string

const (
	RoleRequester   Role = "requester"
	RoleApprover    Role = "approver"
	RoleImplementer Role = "implementer"
	RoleAdmin       Role = "admin"
)

const (
	ActionView      Action = "view"
	ActionCreate    Action = "create"
	ActionEdit      Action = "edit"
	ActionSubmit    Action = "submit"
	ActionComment   Action = "comment"
	ActionApprove   Action = "approve"
	ActionReject    Action = "reject"
	ActionStart     Action = "start_implementation"
	ActionImplement Action = "mark_implemented"
	ActionClose     Action = "close"
	ActionRollback  Action = "rollback"
	ActionReadAudit Action = "read_audit"
	ActionManage    Action = "manage"
)

// Can reports whether a role may attempt an action at all. Ownership and
// per-project membership are checked separately; this is the capability table.
// Admins manage users and projects but stay out of the approval chain, so
// approve/implement edges are deliberately not granted to them.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		switch action {
		case ActionView, ActionCreate, ActionEdit, ActionComment, ActionReadAudit, ActionManage:
			return true
		}
		return false
	case RoleApprover:
		switch action {
		case ActionView, ActionComment, ActionApprove, ActionReject, ActionClose, ActionRollback, ActionReadAudit:
			return true
		}
		return false
	case RoleImplementer:
		switch action {
		case ActionView, ActionComment, ActionStart, ActionImplement, ActionRollback:
			return true
		}
		return false
	case RoleRequester:
		switch action {
		case ActionView, ActionCreate, ActionEdit, ActionSubmit, ActionComment:
			return true
		}
		return false
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleRequester, RoleApprover, RoleImplementer, RoleAdmin:
		return Role(role)
	default:
		return RoleRequester
	}
}
