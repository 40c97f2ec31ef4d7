package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elnote-io/server/internal/auth"
	internaldb "github.com/elnote-io/server/internal/db"
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

type User struct {
	ID                 string    `json:"userId"`
	Email              string    `json:"email"`
	Role               string    `json:"role"`
	IsDefaultAdmin     bool      `json:"isDefaultAdmin"`
	MustChangePassword bool      `json:"mustChangePassword"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type AccountRequest struct {
	ID            string     `json:"requestId"`
	Email         string     `json:"email"`
	FullName      string     `json:"fullName"`
	Justification string     `json:"justification,omitempty"`
	Status        string     `json:"status"`
	RequestedAt   time.Time  `json:"requestedAt"`
	DecidedAt     *time.Time `json:"decidedAt,omitempty"`
}

type CreateUserInput struct {
	AdminUserID string
	Email       string
	Password    string
	Role        string
}

type UpdateUserInput struct {
	AdminUserID string
	TargetID    string
	Role        string // optional - empty means no change
}

type ChangePasswordInput struct {
	UserID      string
	OldPassword string
	NewPassword string
}

type CreateAccountRequestInput struct {
	Email         string
	FullName      string
	Justification string
}

type ListAccountRequestsInput struct {
	Status string
	Limit  int
}

type ApproveAccountRequestInput struct {
	RequestID         string
	AdminUserID       string
	Role              string
	TemporaryPassword string
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

const userColumns = `id, email, role, COALESCE(is_default_admin, FALSE), COALESCE(must_change_password, FALSE), created_at, updated_at`

func validRole(role string) bool {
	switch role {
	case "owner", "admin", "author", "viewer":
		return true
	}
	return false
}

func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	if strings.TrimSpace(in.Email) == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Password) == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if !validRole(in.Role) {
		return nil, fmt.Errorf("%w: role must be owner, admin, author, or viewer", ErrInvalidInput)
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var user User
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, role, must_change_password)
		 VALUES ($1, $2, $3, TRUE)
		 RETURNING `+userColumns,
		strings.ToLower(strings.TrimSpace(in.Email)), hash, in.Role,
	).Scan(&user.ID, &user.Email, &user.Role, &user.IsDefaultAdmin, &user.MustChangePassword, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "unique") || strings.Contains(err.Error(), "duplicate") {
			return nil, fmt.Errorf("%w: email already exists", ErrConflict)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	if err := internaldb.AppendAuditEvent(ctx, tx, in.AdminUserID, "user.create", "user", user.ID, map[string]any{
		"email": user.Email,
		"role":  user.Role,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &user, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Role, &u.IsDefaultAdmin, &u.MustChangePassword, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	if users == nil {
		users = []User{}
	}
	return users, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Email, &u.Role, &u.IsDefaultAdmin, &u.MustChangePassword, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (s *Service) UpdateUser(ctx context.Context, in UpdateUserInput) (*User, error) {
	if in.Role != "" && !validRole(in.Role) {
		return nil, fmt.Errorf("%w: role must be owner, admin, author, or viewer", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var u User
	if in.Role != "" {
		// The default admin keeps the admin role so the recovery path
		// always works.
		var isDefault bool
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(is_default_admin, FALSE) FROM users WHERE id = $1`,
			in.TargetID,
		).Scan(&isDefault)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("check user: %w", err)
		}
		if isDefault && in.Role != "admin" {
			return nil, fmt.Errorf("%w: cannot change the default admin role", ErrForbidden)
		}

		err = tx.QueryRowContext(ctx,
			`UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2
			 RETURNING `+userColumns,
			in.Role, in.TargetID,
		).Scan(&u.ID, &u.Email, &u.Role, &u.IsDefaultAdmin, &u.MustChangePassword, &u.CreatedAt, &u.UpdatedAt)
	} else {
		err = tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1`,
			in.TargetID,
		).Scan(&u.ID, &u.Email, &u.Role, &u.IsDefaultAdmin, &u.MustChangePassword, &u.CreatedAt, &u.UpdatedAt)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update user: %w", err)
	}

	if err := internaldb.AppendAuditEvent(ctx, tx, in.AdminUserID, "user.update", "user", in.TargetID, map[string]any{
		"newRole": in.Role,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &u, nil
}

func (s *Service) ChangePassword(ctx context.Context, in ChangePasswordInput) error {
	if strings.TrimSpace(in.NewPassword) == "" {
		return fmt.Errorf("%w: new password is required", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var currentHash string
	err = tx.QueryRowContext(ctx,
		`SELECT password_hash FROM users WHERE id = $1`, in.UserID,
	).Scan(&currentHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("query user: %w", err)
	}

	if ok, verr := auth.VerifyPassword(currentHash, in.OldPassword); verr != nil || !ok {
		return fmt.Errorf("%w: current password is incorrect", ErrForbidden)
	}

	newHash, err := auth.HashPassword(in.NewPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET password_hash = $1, must_change_password = FALSE, updated_at = NOW() WHERE id = $2`,
		newHash, in.UserID,
	)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if err := internaldb.AppendAuditEvent(ctx, tx, in.UserID, "user.password_changed", "user", in.UserID, map[string]any{}); err != nil {
		return err
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Default LabAdmin account
// ---------------------------------------------------------------------------

const (
	DefaultAdminEmail    = "labadmin"
	DefaultAdminPassword = "CCI#3341"
	DefaultAdminRole     = "admin"
)

// SeedDefaultAdmin creates the default LabAdmin account if it does not already
// exist.  It is meant to be called once at application startup.
func (s *Service) SeedDefaultAdmin(ctx context.Context) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`,
		DefaultAdminEmail,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check default admin: %w", err)
	}
	if exists {
		return nil // already seeded
	}

	hash, err := auth.HashPassword(DefaultAdminPassword)
	if err != nil {
		return fmt.Errorf("hash default password: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, role, is_default_admin)
		 VALUES ($1, $2, $3, TRUE)
		 ON CONFLICT (email) DO NOTHING`,
		DefaultAdminEmail, hash, DefaultAdminRole,
	)
	if err != nil {
		return fmt.Errorf("seed default admin: %w", err)
	}
	return nil
}

// ResetDefaultAdmin resets the LabAdmin password back to the default value.
// This is an unauthenticated safety-net endpoint so the admin can recover
// access if the password is lost.
func (s *Service) ResetDefaultAdmin(ctx context.Context) error {
	hash, err := auth.HashPassword(DefaultAdminPassword)
	if err != nil {
		return fmt.Errorf("hash default password: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $1, must_change_password = FALSE, updated_at = NOW()
		 WHERE email = $2 AND is_default_admin = TRUE`,
		hash, DefaultAdminEmail,
	)
	if err != nil {
		return fmt.Errorf("reset default admin: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Account requests
// ---------------------------------------------------------------------------

// CreateAccountRequest records a self-service signup request. The endpoint is
// unauthenticated, so the audit row carries no actor.
func (s *Service) CreateAccountRequest(ctx context.Context, in CreateAccountRequestInput) (*AccountRequest, error) {
	if strings.TrimSpace(in.Email) == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.FullName) == "" {
		return nil, fmt.Errorf("%w: fullName is required", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var out AccountRequest
	err = tx.QueryRowContext(ctx,
		`INSERT INTO account_requests (email, full_name, justification)
		 VALUES (LOWER($1), $2, $3)
		 RETURNING id, email, full_name, justification, status, requested_at, decided_at`,
		strings.TrimSpace(in.Email),
		strings.TrimSpace(in.FullName),
		strings.TrimSpace(in.Justification),
	).Scan(&out.ID, &out.Email, &out.FullName, &out.Justification, &out.Status, &out.RequestedAt, &out.DecidedAt)
	if err != nil {
		return nil, fmt.Errorf("insert account request: %w", err)
	}

	if err := internaldb.AppendAuditEvent(ctx, tx, "", "account_request.create", "account_request", out.ID, map[string]any{
		"email": out.Email,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &out, nil
}

func (s *Service) ListAccountRequests(ctx context.Context, in ListAccountRequestsInput) ([]AccountRequest, error) {
	limit := in.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	status := strings.TrimSpace(in.Status)
	if status == "" {
		status = "pending"
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, full_name, justification, status, requested_at, decided_at
		 FROM account_requests
		 WHERE status = $1
		 ORDER BY requested_at DESC
		 LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query account requests: %w", err)
	}
	defer rows.Close()

	requests := []AccountRequest{}
	for rows.Next() {
		var item AccountRequest
		if err := rows.Scan(&item.ID, &item.Email, &item.FullName, &item.Justification, &item.Status, &item.RequestedAt, &item.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan account request: %w", err)
		}
		requests = append(requests, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account requests: %w", err)
	}

	return requests, nil
}

// ApproveAccountRequest creates the user with a temporary password that must
// be changed on first login, then marks the request decided.
func (s *Service) ApproveAccountRequest(ctx context.Context, in ApproveAccountRequestInput) (*AccountRequest, error) {
	if strings.TrimSpace(in.RequestID) == "" {
		return nil, fmt.Errorf("%w: requestId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.TemporaryPassword) == "" {
		return nil, fmt.Errorf("%w: temporaryPassword is required", ErrInvalidInput)
	}

	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = "author"
	}
	if !validRole(role) {
		return nil, fmt.Errorf("%w: role must be owner, admin, author, or viewer", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var req AccountRequest
	err = tx.QueryRowContext(ctx,
		`SELECT id, email, full_name, justification, status, requested_at, decided_at
		 FROM account_requests
		 WHERE id = $1
		 FOR UPDATE`,
		in.RequestID,
	).Scan(&req.ID, &req.Email, &req.FullName, &req.Justification, &req.Status, &req.RequestedAt, &req.DecidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query account request: %w", err)
	}

	if req.Status != "pending" {
		return nil, fmt.Errorf("%w: request is not pending", ErrConflict)
	}

	tempHash, err := auth.HashPassword(in.TemporaryPassword)
	if err != nil {
		return nil, fmt.Errorf("hash temporary password: %w", err)
	}

	var newUserID string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, role, must_change_password)
		 VALUES (LOWER($1), $2, $3, TRUE)
		 RETURNING id`,
		req.Email, tempHash, role,
	).Scan(&newUserID)
	if err != nil {
		if strings.Contains(err.Error(), "unique") || strings.Contains(err.Error(), "duplicate") {
			return nil, fmt.Errorf("%w: email already exists", ErrConflict)
		}
		return nil, fmt.Errorf("create user from request: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE account_requests
		 SET status = 'approved', decided_by = $1, decided_at = NOW()
		 WHERE id = $2
		 RETURNING id, email, full_name, justification, status, requested_at, decided_at`,
		in.AdminUserID, req.ID,
	).Scan(&req.ID, &req.Email, &req.FullName, &req.Justification, &req.Status, &req.RequestedAt, &req.DecidedAt)
	if err != nil {
		return nil, fmt.Errorf("mark request approved: %w", err)
	}

	if err := internaldb.AppendAuditEvent(ctx, tx, in.AdminUserID, "account_request.approve", "account_request", req.ID, map[string]any{
		"email":     req.Email,
		"role":      role,
		"newUserId": newUserID,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &req, nil
}

func (s *Service) DenyAccountRequest(ctx context.Context, requestID, adminUserID string) (*AccountRequest, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("%w: requestId is required", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var req AccountRequest
	err = tx.QueryRowContext(ctx,
		`UPDATE account_requests
		 SET status = 'denied', decided_by = $1, decided_at = NOW()
		 WHERE id = $2 AND status = 'pending'
		 RETURNING id, email, full_name, justification, status, requested_at, decided_at`,
		adminUserID, requestID,
	).Scan(&req.ID, &req.Email, &req.FullName, &req.Justification, &req.Status, &req.RequestedAt, &req.DecidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deny account request: %w", err)
	}

	if err := internaldb.AppendAuditEvent(ctx, tx, adminUserID, "account_request.deny", "account_request", req.ID, map[string]any{
		"email": req.Email,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &req, nil
}

// DeleteUser deletes a user by ID. Only admins can delete users; records a
// user has authored keep the row referenced and make the delete fail.
func (s *Service) DeleteUser(ctx context.Context, adminUserID, targetUserID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Prevent deleting the default admin
	var isDefault bool
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(is_default_admin, FALSE) FROM users WHERE id = $1`,
		targetUserID,
	).Scan(&isDefault)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("check user: %w", err)
	}
	if isDefault {
		return fmt.Errorf("%w: cannot delete the default admin", ErrForbidden)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`, targetUserID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "foreign key") {
			return fmt.Errorf("%w: user still owns records", ErrConflict)
		}
		return fmt.Errorf("delete user: %w", err)
	}

	if err := internaldb.AppendAuditEvent(ctx, tx, adminUserID, "user.delete", "user", targetUserID, map[string]any{}); err != nil {
		return err
	}

	return tx.Commit()
}
