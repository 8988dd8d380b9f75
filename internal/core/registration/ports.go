// Package registration orchestrates the distributed user lifecycle: the
// staged create flow that keeps the local store and the service-register
// consistent under partial failure, the account-event guard, and user
// deletion.
package registration

import "context"

// Mailer sends the welcome mail. Delivery is best-effort; the pipeline
// logs failures and moves on.
type Mailer interface {
	SendWelcome(ctx context.Context, username, email, language string) error
}

// NopMailer discards mail; used when no mailer is configured.
type NopMailer struct{}

func (NopMailer) SendWelcome(context.Context, string, string, string) error { return nil }

// StoreDropper removes a user's whole per-user database; user deletion and
// registration rollback use it.
type StoreDropper interface {
	Remove(userID string) error
}
