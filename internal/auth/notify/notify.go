// Package notify tells resource servers that the signing key changed, so
// they can refresh their JWKS before the first token with the new kid shows
// up.
package notify

import "context"

// Notifier is told about every newly generated signing key. Implementations
// log their own failures; key rotation never fails because of them.
type Notifier interface {
	KeyRotated(ctx context.Context, keyID, algorithm string)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) KeyRotated(context.Context, string, string) {}
