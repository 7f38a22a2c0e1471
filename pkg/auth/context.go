package auth

import (
	"context"
	"errors"
)

// UserContext represents the authenticated identity on a request
type UserContext struct {
	UserID      string
	Email       string
	DisplayName string
}

type contextKey string

// UserContextKey is the context key under which the identity is stored
const UserContextKey contextKey = "user"

// SetUserInContext adds user to context
func SetUserInContext(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUserFromContext extracts user from context
func GetUserFromContext(ctx context.Context) (*UserContext, error) {
	user, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok || user == nil {
		return nil, errors.New("user not found in context")
	}
	return user, nil
}
