package session

// LoginMethod records which evidence the current session was established with.
type LoginMethod string

const (
	MethodNone            LoginMethod = "none"
	MethodLocalKey        LoginMethod = "localKey"
	MethodThirdPartyToken LoginMethod = "thirdPartyToken"
)

// State is the authoritative session record. It is only mutated by the Manager.
type State struct {
	Loading         bool        `json:"loading"`
	Waiting         bool        `json:"waiting"`
	Unlocked        bool        `json:"unlocked"`
	WalletAddress   string      `json:"walletAddress,omitempty"`
	AccessToken     string      `json:"-"`
	UserID          string      `json:"userId,omitempty"`
	ThirdPartyToken string      `json:"-"`
	LoginMethod     LoginMethod `json:"loginMethod"`
}

func initialState() State {
	return State{Loading: true, Waiting: true, LoginMethod: MethodNone}
}

// normalize enforces that a user id only exists alongside a non-empty access token.
func (s *State) normalize() {
	if s.AccessToken == "" {
		s.UserID = ""
	}
	if s.LoginMethod == "" {
		s.LoginMethod = MethodNone
	}
}

// Snapshot is an immutable copy of State at one committed version.
type Snapshot struct {
	State
	Version uint64 `json:"version"`
}

// Authenticated reports whether request credentials are available.
func (s Snapshot) Authenticated() bool { return s.AccessToken != "" }
