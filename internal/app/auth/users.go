package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/hjnpark/QCFractal/internal/platform/database"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

// User is a registered principal. passwordHash is bcrypt and never leaves
// this package.
type User struct {
	ID           int64
	Username     string
	passwordHash string
	Role         string
}

// UserStore persists users in the users table.
type UserStore struct {
	db *sql.DB
}

// NewUserStore wraps an open connection pool.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Register creates a user with the given role, hashing the password with
// bcrypt. Username collisions surface as already-exists.
func (s *UserStore) Register(ctx context.Context, username, password, role string) (User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return User{}, apperrors.MalformedRequest("username and password are required")
	}
	if role == "" {
		role = "read"
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, apperrors.Internal("hash password", err)
	}

	var user User
	err = database.WithSession(ctx, s.db, nil, func(q database.Querier) error {
		row := q.QueryRowContext(ctx, `
			INSERT INTO users (username, password_hash, role)
			VALUES ($1, $2, $3)
			RETURNING id, username, password_hash, role
		`, username, string(hash), role)
		return scanUser(row, &user)
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return User{}, apperrors.AlreadyExists("username already registered")
		}
		return User{}, apperrors.Internal("insert user", err)
	}
	return user, nil
}

// Authenticate verifies a username/password pair and returns the user.
// Unknown usernames and bad passwords both map to authentication-failure so
// the response does not leak which of the two was wrong.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	var user User
	err := database.WithSession(ctx, s.db, nil, func(q database.Querier) error {
		row := q.QueryRowContext(ctx, `
			SELECT id, username, password_hash, role FROM users WHERE username = $1
		`, username)
		return scanUser(row, &user)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperrors.AuthenticationFailure("invalid credentials")
	}
	if err != nil {
		return User{}, apperrors.Internal("lookup user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.passwordHash), []byte(password)) != nil {
		return User{}, apperrors.AuthenticationFailure("invalid credentials")
	}
	return user, nil
}

// Get returns a user by username.
func (s *UserStore) Get(ctx context.Context, username string) (User, error) {
	var user User
	err := database.WithSession(ctx, s.db, nil, func(q database.Querier) error {
		row := q.QueryRowContext(ctx, `
			SELECT id, username, password_hash, role FROM users WHERE username = $1
		`, strings.ToLower(strings.TrimSpace(username)))
		return scanUser(row, &user)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperrors.MissingData("user not found")
	}
	if err != nil {
		return User{}, apperrors.Internal("lookup user", err)
	}
	return user, nil
}

func scanUser(row *sql.Row, out *User) error {
	return row.Scan(&out.ID, &out.Username, &out.passwordHash, &out.Role)
}
