// Package session provides the per-session reader/writer pair. The reader is
// a cached, query-building view; the writer is the single authoritative
// mutator and is owned by the session's actor.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/pkg/store"
)

var (
	// ErrUnauthorized is returned when the actor is not authenticated for
	// the requested scope.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when the actor is authenticated but may not
	// touch this session.
	ErrForbidden = errors.New("forbidden")
)

// Actor is the authenticated principal performing session operations.
type Actor struct {
	UserID string
	Scope  string
}

// Authorizer decides whether an actor may read or write a session.
// Implemented by the security service collaborator.
type Authorizer interface {
	CanRead(ctx context.Context, actor Actor, sess *store.Session) error
	CanWrite(ctx context.Context, actor Actor, sess *store.Session) error
}

// OwnerAuthorizer grants access to the session owner only, optionally
// requiring a matching security scope.
type OwnerAuthorizer struct {
	RequiredScope string
}

func (a *OwnerAuthorizer) check(actor Actor, sess *store.Session) error {
	if actor.UserID == "" {
		return ErrUnauthorized
	}
	if a.RequiredScope != "" && actor.Scope != a.RequiredScope {
		return fmt.Errorf("%w: missing scope %q", ErrForbidden, a.RequiredScope)
	}
	if sess.UserID != actor.UserID {
		return fmt.Errorf("%w: session belongs to another user", ErrForbidden)
	}
	return nil
}

func (a *OwnerAuthorizer) CanRead(_ context.Context, actor Actor, sess *store.Session) error {
	return a.check(actor, sess)
}

func (a *OwnerAuthorizer) CanWrite(_ context.Context, actor Actor, sess *store.Session) error {
	return a.check(actor, sess)
}
