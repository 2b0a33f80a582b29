package backend

import (
	"context"
	"fmt"

	"roomexpenses/internal/core"
)

// EventType names a change kind on the record collection.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// AuthEvent names an auth state transition.
type AuthEvent string

const (
	AuthSignedIn       AuthEvent = "SIGNED_IN"
	AuthSignedOut      AuthEvent = "SIGNED_OUT"
	AuthTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

type (
	// Match is an equality filter, column -> value.
	Match map[string]string

	// Order sorts a select by one column.
	Order struct {
		Column    string
		Ascending bool
	}

	// Change is one notification from the change feed.
	Change struct {
		Table string
		Type  EventType
		ID    string
	}

	// Subscription is a cancellable registration. Unsubscribe is idempotent.
	Subscription interface {
		Unsubscribe() error
	}

	// Feed is a change subscription that can end on its own, for example
	// when its socket drops. Done is closed once no more changes will arrive.
	Feed interface {
		Subscription
		Done() <-chan struct{}
	}

	Auth interface {
		// GetSession returns the current session, or nil when signed out.
		GetSession(ctx context.Context) (*core.Session, error)
		SignUp(ctx context.Context, email, password string) (*core.Session, error)
		SignInWithPassword(ctx context.Context, email, password string) (*core.Session, error)
		// SignInWithOAuth returns the provider URL the browser must visit.
		SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error)
		// ExchangeCode completes an OAuth redirect.
		ExchangeCode(ctx context.Context, code string) (*core.Session, error)
		SignOut(ctx context.Context) error
		OnAuthStateChange(cb func(AuthEvent, *core.Session)) Subscription
	}

	Data interface {
		Select(ctx context.Context, table string, match Match, order Order) ([]core.Record, error)
		Insert(ctx context.Context, table string, rows []core.Draft) error
		Update(ctx context.Context, table string, patch core.Draft, match Match) error
		Delete(ctx context.Context, table string, match Match) error
		SubscribeToChanges(ctx context.Context, table string, events []EventType, cb func(Change)) (Subscription, error)
	}

	// Client is the collaborator bound to one browser session.
	Client struct {
		Auth Auth
		Data Data
	}

	// Provider creates per-session clients over shared process resources.
	Provider interface {
		NewClient() Client
		Close() error
	}
)

// CreatedAtDesc is the canonical display order.
var CreatedAtDesc = Order{Column: "created_at"}

// APIError carries an error payload returned by the collaborator.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Message)
}

// Wants reports whether events includes t, honoring EventAll.
func Wants(events []EventType, t EventType) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == EventAll || e == t {
			return true
		}
	}
	return false
}

// RequireMatch rejects an update or delete that would touch every row.
func RequireMatch(op string, match Match) error {
	if len(match) == 0 {
		return &APIError{Status: 400, Code: "21000", Message: op + " requires a WHERE clause"}
	}
	return nil
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error { return f() }
