// Package auth verifies admin credentials for moderation endpoints such as
// protecting articles and resolving conflicts.
package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/mstcl/ibis/internal/store"
)

// ErrUnauthorized is returned for bad credentials or insufficient role.
var ErrUnauthorized = errors.New("unauthorized")

type userStore interface {
	GetUserByName(ctx context.Context, name string) (store.User, error)
	UpsertAdminUser(ctx context.Context, name, passwordHash string) (store.User, error)
}

type Service struct {
	store userStore
}

func NewService(st userStore) *Service {
	return &Service{store: st}
}

// EnsureAdmin creates or updates the admin account from configuration.
// Called once at startup.
func (s *Service) EnsureAdmin(ctx context.Context, name, password string) (store.User, error) {
	if name == "" || password == "" {
		return store.User{}, errors.New("admin name and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpsertAdminUser(ctx, name, string(hash))
}

// VerifyAdmin checks the credentials and that the account is an admin. The
// error is the same for every failure mode; callers learn nothing about
// which part was wrong.
func (s *Service) VerifyAdmin(ctx context.Context, name, password string) (store.User, error) {
	user, err := s.store.GetUserByName(ctx, name)
	if err != nil {
		return store.User{}, ErrUnauthorized
	}
	if !user.Admin || user.PasswordHash == "" {
		return store.User{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrUnauthorized
	}
	return user, nil
}
