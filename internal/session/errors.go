package session

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrLoginInProgress  = errors.New("a login flow is already in progress")
	ErrNotLoggedIn      = errors.New("no login method to refresh")
	ErrNotAuthenticated = errors.New("session has no access token")
	ErrNoLocalKey       = errors.New("no local private key provisioned")
)

// Kind classifies flow failures.
type Kind string

const (
	KindExchange          Kind = "exchange"
	KindStorage           Kind = "storage"
	KindHandleMutation    Kind = "handle_mutation"
	KindAccountResolution Kind = "account_resolution"
)

// FlowError is returned by login actions. Unwrap exposes the cause, for example an
// *exchange.Failure.
type FlowError struct {
	Kind Kind
	Err  error
}

func (e *FlowError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }

func (e *FlowError) Unwrap() error { return e.Err }

// IsKind reports whether err is a FlowError of kind k.
func IsKind(err error, k Kind) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Kind == k
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Notice is a user-facing notification produced by a flow.
type Notice struct {
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
}
