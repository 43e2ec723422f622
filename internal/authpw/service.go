// Package authpw provides email/password registration and sign-in.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nic-152/uran/internal/store"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// InputError reports a rejected registration field.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return e.Message
}

// Service provides email/password authentication
type Service struct {
	store UserStore
	cost  int
	now   func() time.Time
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost, now: time.Now}
}

// WithCost overrides the bcrypt cost; tests use bcrypt.MinCost.
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

type RegisterRequest struct {
	Name     string
	Email    string
	Password string
}

// Register validates the request, hashes the password and creates the user.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	name := strings.TrimSpace(req.Name)
	email := NormalizeEmail(req.Email)

	if utf8.RuneCountInString(name) < 2 {
		return store.User{}, &InputError{Field: "name", Message: "name must be at least 2 characters"}
	}
	if !strings.Contains(email, "@") {
		return store.User{}, &InputError{Field: "email", Message: "email is invalid"}
	}
	if utf8.RuneCountInString(req.Password) < 8 {
		return store.User{}, &InputError{Field: "password", Message: "password must be at least 8 characters"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn checks the password for email. Unknown email and wrong password are indistinguishable.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
