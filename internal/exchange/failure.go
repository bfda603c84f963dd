package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/cockroachdb/errors"
)

// Failure codes.
const (
	CodeTimeout  = "timeout"
	CodeNetwork  = "network"
	CodeRejected = "rejected"
	CodeServer   = "server"
	CodeDecode   = "decode"
	CodeSign     = "sign"
	CodeInvalid  = "invalid_request"
)

// Failure is the normalized form of every credential exchange error.
type Failure struct {
	Code      string
	Message   string
	Status    int
	Retryable bool
	cause     error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString("exchange ")
	b.WriteString(f.Code)
	if f.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", f.Status)
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.cause }

// AsFailure extracts a Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// normalize turns a transport error into a Failure. Deadline expiry of the exchange's own
// timeout is retryable; cancellation by the caller is not.
func normalize(parent context.Context, err error) *Failure {
	if f, ok := AsFailure(err); ok {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return &Failure{Code: CodeTimeout, Message: "credential exchange timed out", Retryable: true, cause: err}
	}
	if errors.Is(err, context.Canceled) || parent.Err() != nil {
		return &Failure{Code: CodeNetwork, Message: "credential exchange canceled", cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Code: CodeTimeout, Message: "credential exchange timed out", Retryable: true, cause: err}
	}
	return &Failure{Code: CodeNetwork, Message: err.Error(), Retryable: true, cause: err}
}

// failureFromResponse reads the backend's error body. Both {"error":{"message":..}} and
// {"message":..} shapes are understood.
func failureFromResponse(status int, body []byte) *Failure {
	var shaped struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Code    string          `json:"code"`
	}
	msg, code := "", ""
	if err := json.Unmarshal(body, &shaped); err == nil {
		msg, code = shaped.Message, shaped.Code
		if len(shaped.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			}
			var flat string
			switch {
			case json.Unmarshal(shaped.Error, &nested) == nil:
				if nested.Message != "" {
					msg = nested.Message
				}
				if nested.Code != "" {
					code = nested.Code
				}
			case json.Unmarshal(shaped.Error, &flat) == nil && flat != "":
				msg = flat
			}
		}
	}

	f := &Failure{Status: status, Message: strings.TrimSpace(msg)}
	switch {
	case status >= 500:
		f.Code = CodeServer
		f.Retryable = true
	case status == 408 || status == 429:
		f.Code = CodeTimeout
		f.Retryable = true
	default:
		f.Code = CodeRejected
	}
	if code != "" {
		f.Code = code
	}
	return f
}
