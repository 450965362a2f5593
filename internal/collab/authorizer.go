package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"listy/api/internal/auth"
	"listy/api/internal/store"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("list access denied")
	ErrListNotFound    = errors.New("list not found")
)

// Identity is the resolved caller of a join attempt.
type Identity struct {
	UserID string
	Name   string
}

// Authorizer decides whether a caller may enter a list's room.
type Authorizer interface {
	Authorize(ctx context.Context, listID string, token string) (Identity, error)
}

// AccessStore is the storage slice the gate reads on every join attempt.
type AccessStore interface {
	GetListAccessInfo(ctx context.Context, listID string) (store.ListAccess, error)
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Gate admits a caller when the list is public, or the caller owns it, or
// the caller is a registered editor. The access record is read fresh from
// storage on every call so an editor removed after a prior join cannot
// re-enter with a still-valid token.
type Gate struct {
	secret []byte
	store  AccessStore
}

func NewGate(secret []byte, accessStore AccessStore) *Gate {
	return &Gate{secret: secret, store: accessStore}
}

func (g *Gate) Authorize(ctx context.Context, listID string, token string) (Identity, error) {
	claims, err := auth.ParseToken(g.secret, token)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	if claims.ID != "" {
		revoked, err := g.store.IsAccessTokenRevoked(ctx, claims.ID)
		if err != nil {
			return Identity{}, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return Identity{}, ErrUnauthenticated
		}
	}

	access, err := g.store.GetListAccessInfo(ctx, listID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrListNotFound
		}
		return Identity{}, fmt.Errorf("read list access: %w", err)
	}

	userID := claims.Subject
	if !access.IsPublic && access.OwnerID != userID && !containsID(access.EditorIDs, userID) {
		return Identity{}, ErrForbidden
	}

	return Identity{UserID: userID, Name: claims.Name}, nil
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
