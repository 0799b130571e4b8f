package rbac

type Role string
type Action string

const (
	RoleParticipant Role = "participant"
	RoleOrganizer   Role = "organizer"
)

const (
	ActionRead        Action = "read"
	ActionAnswer      Action = "answer"
	ActionAddQuestion Action = "add_question"
	ActionRename      Action = "rename"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOrganizer:
		return true
	case RoleParticipant:
		return action == ActionRead || action == ActionAnswer
	default:
		return false
	}
}

// RoleFor returns the caller's role in a session owned by ownerID.
func RoleFor(accountID, ownerID string) Role {
	if accountID != "" && accountID == ownerID {
		return RoleOrganizer
	}
	return RoleParticipant
}

