package identity

// AuthContext is what the auth collaborator knows about the caller.
type AuthContext struct {
	AccountID string
}

func (a AuthContext) Authenticated() bool {
	return a.AccountID != ""
}

// ParticipantContext holds the per-device, per-session preferences that used
// to live in browser storage. It is loaded at the edge and passed in.
type ParticipantContext struct {
	SessionID   string
	Device      string
	Token       string
	Name        string
	ShowAnswers bool
}

type State int

const (
	StateNoIdentity State = iota
	StateIncomplete
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNoIdentity:
		return "no_identity"
	case StateIncomplete:
		return "incomplete"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

type Resolution struct {
	State    State
	Identity Identity
}

// Resolve derives the caller's identity for one session. Authenticated
// accounts win over any anonymous state stored for the device.
func Resolve(auth AuthContext, pc ParticipantContext) Resolution {
	if auth.Authenticated() {
		return Resolution{State: StateReady, Identity: Authenticated(auth.AccountID)}
	}
	if pc.Token == "" {
		return Resolution{State: StateNoIdentity}
	}
	id := Anonymous(pc.Name, pc.Token)
	if id.Name == "" {
		return Resolution{State: StateIncomplete, Identity: id}
	}
	return Resolution{State: StateReady, Identity: id}
}
