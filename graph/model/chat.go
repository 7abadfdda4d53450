// Package model provides the LLM chat adapters steps call.
//
// Provider packages (openai, anthropic, google) implement ChatModel on top
// of the official SDKs. A Router resolves the model name a step was
// configured with to the adapter that serves it.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ChatModel sends a conversation to an LLM and returns its reply.
//
// Implementations must respect context cancellation and report transient
// provider failures (rate limits, overload, 5xx) as *Error with Transient
// set, so callers can decide to retry.
//
// Example:
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o-mini")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleSystem, Content: "You are a fact checker."},
//	    {Role: model.RoleUser, Content: "Is the sky green?"},
//	})
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message is a single message in a conversation.
type Message struct {
	// Role identifies the sender. Use the Role* constants.
	Role string

	// Content contains the message text.
	Content string
}

// Standard role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatOut is the reply of a chat completion.
type ChatOut struct {
	// Text is the generated reply.
	Text string

	// Model is the model that produced the reply, as reported by the
	// provider.
	Model string

	// Usage reports token consumption when the provider returns it.
	Usage Usage
}

// Usage counts tokens consumed by a call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Error is a provider failure.
type Error struct {
	// Provider is the adapter that failed, e.g. "openai".
	Provider string

	// StatusCode is the HTTP status the provider answered with, 0 if the
	// request never got an answer.
	StatusCode int

	// Transient reports whether retrying the call may succeed.
	Transient bool

	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a provider failure worth retrying.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient
}

// TransientStatus reports whether an HTTP status code signals a temporary
// provider condition.
func TransientStatus(code int) bool {
	return code == 408 || code == 409 || code == 429 || code >= 500
}

// SplitSystem separates system messages from the conversation. Several
// system messages are joined with a blank line.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	var rest []Message
	for _, msg := range messages {
		if msg.Role != RoleSystem {
			rest = append(rest, msg)
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += msg.Content
	}
	return system, rest
}

// Wrap converts an SDK error into *Error. status is the provider's HTTP
// status, 0 when the request got no answer; such failures count as
// transient when the message points at the network. Context errors are
// returned unchanged.
func Wrap(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	transient := TransientStatus(status)
	if status == 0 {
		transient = transientMessage(err.Error())
	}
	return &Error{Provider: provider, StatusCode: status, Transient: transient, Err: err}
}

func transientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, pattern := range []string{
		"timeout",
		"network",
		"connection",
		"temporary",
		"unavailable",
		"rate limit",
		"resource exhausted",
		"overloaded",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
