package ingest

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"kobocat/pkg/domain"
)

// UserOptions carries the optional fields of a new account.
type UserOptions struct {
	Superuser   bool
	RequireAuth bool
}

// CreateUser stores an active account with a bcrypt password hash.
func (s *Service) CreateUser(ctx context.Context, username, password string, opts UserOptions) (domain.User, error) {
	username = lower(username)
	if username == "" {
		return domain.User{}, ErrInvalidUser
	}
	var hash []byte
	if password != "" {
		var err error
		if hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost); err != nil {
			return domain.User{}, fmt.Errorf("hash password: %w", err)
		}
	}
	var out domain.User
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		out, err = tx.CreateUser(domain.User{
			Username:     username,
			PasswordHash: string(hash),
			IsActive:     true,
			IsSuperuser:  opts.Superuser,
			RequireAuth:  opts.RequireAuth,
		})
		return err
	})
	return out, err
}

// Authenticate checks a username and password pair. Inactive accounts and
// accounts without a password never authenticate.
func (s *Service) Authenticate(username, password string) (domain.User, bool) {
	u, ok := s.store.GetUser(lower(username))
	if !ok || !u.IsActive || u.PasswordHash == "" {
		return domain.User{}, false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			s.logger.Sugar().Warnw("password check failed", "user", u.Username, "error", err)
		}
		return domain.User{}, false
	}
	return u, true
}
