// Package notifier defines the channel capability the notification engine
// sends through. Channels never return a Go error from Send: a failed
// delivery is data, recorded in the audit log, and is not retried.
package notifier

import (
	"context"
)

// Result is the outcome of one channel send attempt.
type Result struct {
	Success      bool
	ErrorMessage string
	HTTPStatus   *int
}

// Message is a channel-agnostic alert payload. Email uses Subject/HTMLBody;
// push uses Text.
type Message struct {
	Subject  string
	HTMLBody string
	Text     string
}

// Channel sends one message to one recipient.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient string, msg Message) Result
}
