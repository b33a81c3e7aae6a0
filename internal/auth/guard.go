// Package auth guards the admin API. Operators authenticate with HTTP Basic
// credentials checked against bcrypt hashes, and each admin route names the
// permission an operator's role must grant.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrOperatorDisabled   = errors.New("operator disabled")
	ErrOperatorNotFound   = errors.New("operator not found")
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Permission is what an admin route requires of the calling operator.
type Permission string

const (
	ReadIntegrations   Permission = "integrations.read"
	WriteIntegrations  Permission = "integrations.write"
	DeleteIntegrations Permission = "integrations.delete"
	ReadUsage          Permission = "usage.read"
)

var grants = map[Role]map[Permission]bool{
	RoleAdmin:  set(ReadIntegrations, WriteIntegrations, DeleteIntegrations, ReadUsage),
	RoleEditor: set(ReadIntegrations, WriteIntegrations, ReadUsage),
	RoleViewer: set(ReadIntegrations, ReadUsage),
}

func set(perms ...Permission) map[Permission]bool {
	m := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		m[p] = true
	}
	return m
}

// Can reports whether the role grants p. Unknown roles grant nothing.
func (r Role) Can(p Permission) bool {
	return grants[r][p]
}

// Operator is an account allowed to call the admin API.
type Operator struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	Disabled     bool
	CreatedAt    time.Time
}

type OperatorStore interface {
	// Lookup returns ErrOperatorNotFound for unknown usernames.
	Lookup(ctx context.Context, username string) (*Operator, error)
	// Add stores op unless the username is already taken.
	Add(ctx context.Context, op *Operator) error
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Bootstrap registers an admin operator from a precomputed bcrypt hash. An
// existing operator with the same username is left untouched.
func Bootstrap(ctx context.Context, store OperatorStore, username, passwordHash string) error {
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return fmt.Errorf("admin password hash: %w", err)
	}

	switch _, err := store.Lookup(ctx, username); {
	case err == nil:
		return nil
	case !errors.Is(err, ErrOperatorNotFound):
		return err
	}

	return store.Add(ctx, &Operator{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		Role:         RoleAdmin,
		CreatedAt:    time.Now(),
	})
}

type ctxKey struct{}

func withOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, ctxKey{}, op)
}

// OperatorFrom returns the operator authenticated for this request.
func OperatorFrom(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(ctxKey{}).(*Operator)
	return op, ok
}

// Guard authenticates admin requests and enforces route permissions.
type Guard struct {
	store OperatorStore
	// decoy is compared against for unknown usernames so that a miss costs
	// the same bcrypt work as a wrong password.
	decoy []byte
}

func NewGuard(store OperatorStore) *Guard {
	decoy, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	return &Guard{store: store, decoy: decoy}
}

// Verify checks a username and password. Unknown users and wrong passwords
// both return ErrInvalidCredentials.
func (g *Guard) Verify(ctx context.Context, username, password string) (*Operator, error) {
	op, err := g.store.Lookup(ctx, username)
	if err != nil {
		if errors.Is(err, ErrOperatorNotFound) {
			bcrypt.CompareHashAndPassword(g.decoy, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if op.Disabled {
		return nil, ErrOperatorDisabled
	}
	return op, nil
}

// Authenticate rejects requests without valid Basic credentials and stores
// the operator in the request context.
func (g *Guard) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="llm-gateway admin", charset="UTF-8"`)
			deny(w, http.StatusUnauthorized, "authentication required")
			return
		}

		op, err := g.Verify(r.Context(), username, password)
		switch {
		case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrOperatorDisabled):
			deny(w, http.StatusUnauthorized, err.Error())
			return
		case err != nil:
			deny(w, http.StatusInternalServerError, "operator lookup failed")
			return
		}

		next.ServeHTTP(w, r.WithContext(withOperator(r.Context(), op)))
	})
}

// Require lets the request through only when the authenticated operator's
// role grants p.
func (g *Guard) Require(p Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, ok := OperatorFrom(r.Context())
		if !ok {
			deny(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !op.Role.Can(p) {
			deny(w, http.StatusForbidden, fmt.Sprintf("role %s lacks %s", op.Role, p))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

type PostgresOperatorStore struct {
	db *sql.DB
}

func NewPostgresOperatorStore(db *sql.DB) *PostgresOperatorStore {
	return &PostgresOperatorStore{db: db}
}

func (s *PostgresOperatorStore) Lookup(ctx context.Context, username string) (*Operator, error) {
	var op Operator
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, disabled, created_at
		FROM admin_operators
		WHERE username = $1
	`, username).Scan(&op.ID, &op.Username, &op.PasswordHash, &role, &op.Disabled, &op.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperatorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup operator: %w", err)
	}
	op.Role = Role(role)
	return &op, nil
}

func (s *PostgresOperatorStore) Add(ctx context.Context, op *Operator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_operators (id, username, password_hash, role, disabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO NOTHING
	`, op.ID, op.Username, op.PasswordHash, string(op.Role), op.Disabled, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("add operator: %w", err)
	}
	return nil
}

// MemoryOperatorStore keeps operators for the process lifetime.
type MemoryOperatorStore struct {
	mu  sync.RWMutex
	ops map[string]*Operator
}

func NewMemoryOperatorStore() *MemoryOperatorStore {
	return &MemoryOperatorStore{ops: make(map[string]*Operator)}
}

func (s *MemoryOperatorStore) Lookup(ctx context.Context, username string) (*Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[username]
	if !ok {
		return nil, ErrOperatorNotFound
	}
	return op, nil
}

func (s *MemoryOperatorStore) Add(ctx context.Context, op *Operator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.ops[op.Username]; !taken {
		s.ops[op.Username] = op
	}
	return nil
}

var (
	_ OperatorStore = (*MemoryOperatorStore)(nil)
	_ OperatorStore = (*PostgresOperatorStore)(nil)
)
