// Package notify fans data-change notifications out to interested
// listeners (webhook workers, cluster siblings). Delivery is best-effort:
// a lost notification costs a poll cycle, never correctness.
package notify

import "context"

// Notifier publishes per-user change notifications.
type Notifier interface {
	// EventsChanged signals that username's events changed.
	EventsChanged(ctx context.Context, username string)
	// AccessesChanged signals that username's accesses changed.
	AccessesChanged(ctx context.Context, username string)
	// AccountChanged signals that username's account attributes changed.
	AccountChanged(ctx context.Context, username string)
	// UserDeleted signals that username is gone.
	UserDeleted(ctx context.Context, username string)
	Close()
}

// Nop discards every notification; used in tests and single-process
// deployments.
type Nop struct{}

func (Nop) EventsChanged(context.Context, string)   {}
func (Nop) AccessesChanged(context.Context, string) {}
func (Nop) AccountChanged(context.Context, string)  {}
func (Nop) UserDeleted(context.Context, string)     {}
func (Nop) Close()                                  {}
