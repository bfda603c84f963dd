package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session-client/internal/session"
)

const commandTimeout = 2 * time.Minute

// withSession wires the app, restores the stored session and runs fn against it. Notices
// raised while fn runs are printed to out.
func withSession(parent context.Context, out io.Writer, fn func(ctx context.Context, m *session.Manager) error) error {
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sub := a.manager.Subscribe(ctx)
	defer sub.Cancel()

	if err := a.manager.Restore(ctx); err != nil {
		log.Warn("stored session could not be restored", "error", err)
	}

	fnErr := fn(ctx, a.manager)
	printNotices(out, sub)
	return fnErr
}

func printNotices(out io.Writer, sub *session.Subscription) {
	for {
		select {
		case n := <-sub.Notices():
			_, _ = fmt.Fprintf(out, "[%s] %s: %s\n", n.Severity, n.Title, n.Message)
		default:
			return
		}
	}
}

type statusView struct {
	session.Snapshot
	Authenticated bool `json:"authenticated"`
}

func printSnapshot(out io.Writer, snap session.Snapshot) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(statusView{Snapshot: snap, Authenticated: snap.Authenticated()})
}
