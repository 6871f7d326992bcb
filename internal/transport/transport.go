// Package transport abstracts the WhatsApp provider: sending text and media
// through a line's credentials and checking those credentials still work.
package transport

import "context"

// Credentials identifies a provider session. Ref is the line's opaque
// credential reference (a paired device identifier).
type Credentials struct {
	Ref string
}

// Media is an outbound media attachment.
type Media struct {
	URL      string
	MimeType string
	Caption  string
}

// Transport sends messages through the provider. Every method is fallible
// and may be slow; callers must never invoke them inside a store
// transaction.
type Transport interface {
	// SendText delivers a text message to a destination phone number.
	SendText(ctx context.Context, creds Credentials, to, text string) error

	// SendMedia delivers a media message to a destination phone number.
	SendMedia(ctx context.Context, creds Credentials, to string, media Media) error

	// ValidateCredentials reports whether the credentials look usable. The
	// answer may be cached upstream and go stale: a true here can still be
	// followed by a send failure.
	ValidateCredentials(ctx context.Context, creds Credentials) bool
}
