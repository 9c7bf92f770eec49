package users

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, limit, offset int) ([]User, int, error)
	GetUser(ctx context.Context, id int64) (User, error)
	CreateUser(ctx context.Context, email, name, passwordHash string) (User, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

var _ RepositoryPort = (*Repository)(nil)

// Service handles user management business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns one page of users plus the total count.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]User, int, error) {
	return s.repo.ListUsers(ctx, limit, offset)
}

// GetUser fetches one user.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// CreateUser registers an account with a bcrypt-hashed password.
func (s *Service) CreateUser(ctx context.Context, email, name, password string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	return s.repo.CreateUser(ctx, strings.ToLower(strings.TrimSpace(email)), strings.TrimSpace(name), string(hash))
}

// SetActive enables or disables an account.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) error {
	return s.repo.SetActive(ctx, id, active)
}
