package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository is the Postgres-backed account directory. It verifies
// credentials and resolves roles and permissions for minted tokens.
type Repository struct {
	db     *sql.DB
	hasher Hasher
}

func NewRepository(db *sql.DB, hasher Hasher) *Repository {
	return &Repository{db: db, hasher: hasher}
}

const ownerColumns = `id, username, COALESCE(email, ''), COALESCE(phone, ''), status, password_hash,
	last_login_at, last_login_ip, created_at, updated_at`

// FindByIdentity resolves a username, email or phone number.
func (r *Repository) FindByIdentity(ctx context.Context, identity string) (Owner, error) {
	identity = strings.TrimSpace(identity)
	owner, err := scanOwner(r.db.QueryRowContext(ctx, `
		SELECT `+ownerColumns+`
		FROM users
		WHERE username = lower($1) OR email = lower($1) OR phone = $1
		ORDER BY (username = lower($1)) DESC
		LIMIT 1
	`, identity))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Owner{}, ErrNotFound
		}
		return Owner{}, fmt.Errorf("query user by identity: %w", err)
	}
	return owner, nil
}

func (r *Repository) OwnerByID(ctx context.Context, id string) (Owner, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Owner{}, ErrNotFound
	}
	owner, err := scanOwner(r.db.QueryRowContext(ctx, `SELECT `+ownerColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Owner{}, ErrNotFound
		}
		return Owner{}, fmt.Errorf("query user by id: %w", err)
	}
	return owner, nil
}

// Verify returns the owner when secret matches. Unknown identities and wrong
// passwords take comparable time and both report a sentinel error. On
// ErrBadPassword the resolved owner is returned so the failure can be
// attributed.
func (r *Repository) Verify(ctx context.Context, identity, secret string) (Owner, error) {
	owner, err := r.FindByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			burnCompare(secret)
		}
		return Owner{}, err
	}
	if err := r.hasher.Compare(owner.PasswordHash, secret); err != nil {
		owner.PasswordHash = ""
		return owner, err
	}
	return owner, nil
}

func (r *Repository) RolesFor(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT role_code FROM auth_user_roles WHERE user_id = $1 ORDER BY role_code
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query user roles: %w", err)
	}
	return collectStrings(rows, "user roles")
}

func (r *Repository) PermissionsFor(ctx context.Context, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return []string{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT permission FROM auth_role_permissions WHERE role_code = ANY($1) ORDER BY permission
	`, roles)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	return collectStrings(rows, "role permissions")
}

func (r *Repository) RecordLogin(ctx context.Context, ownerID, clientIP string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = $2, last_login_ip = $3, updated_at = $2 WHERE id = $1
	`, ownerID, at.UTC(), clientIP)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

func (r *Repository) SetStatus(ctx context.Context, ownerID string, status Status) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET status = $2, updated_at = $3 WHERE id = $1
	`, ownerID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, input NewOwner) (Owner, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Owner{}, fmt.Errorf("generate uuid v7: %w", err)
	}
	hash, err := r.hasher.Hash(input.Password)
	if err != nil {
		return Owner{}, err
	}
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Owner{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, username, email, phone, password_hash, status, created_at, updated_at)
		VALUES ($1, lower($2), NULLIF(lower($3), ''), NULLIF($4, ''), $5, $6, $7, $7)
	`, id.String(), strings.TrimSpace(input.Username), strings.TrimSpace(input.Email), strings.TrimSpace(input.Phone),
		hash, string(StatusActive), now); err != nil {
		return Owner{}, fmt.Errorf("insert user: %w", err)
	}
	if err := replaceRoles(ctx, tx, id.String(), input.Roles); err != nil {
		return Owner{}, err
	}

	if err := tx.Commit(); err != nil {
		return Owner{}, fmt.Errorf("commit transaction: %w", err)
	}
	return r.OwnerByID(ctx, id.String())
}

// UpsertAdmin makes sure an administrator with this username exists and
// holds the given password. Other accounts are left alone.
func (r *Repository) UpsertAdmin(ctx context.Context, username, plainPassword string) error {
	username = strings.ToLower(strings.TrimSpace(username))

	hash, err := r.hasher.Hash(plainPassword)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ownerID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (id, username, password_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, id.String(), username, hash, string(StatusActive), now).Scan(&ownerID)
	if err != nil {
		return fmt.Errorf("upsert admin user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO auth_user_roles (user_id, role_code) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, ownerID, RoleSuperAdmin); err != nil {
		return fmt.Errorf("grant admin role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// BootstrapFromEnv seeds the administrator named by ADMIN_USERNAME and
// ADMIN_PASSWORD. Both empty is a no-op.
func (r *Repository) BootstrapFromEnv(ctx context.Context, adminUsername, adminPassword string) error {
	adminUsername = strings.TrimSpace(adminUsername)
	adminPassword = strings.TrimSpace(adminPassword)

	if adminUsername == "" && adminPassword == "" {
		return nil
	}
	if adminUsername == "" || adminPassword == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}
	return r.UpsertAdmin(ctx, adminUsername, adminPassword)
}

func replaceRoles(ctx context.Context, tx *sql.Tx, ownerID string, roles []string) error {
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_user_roles WHERE user_id = $1`, ownerID); err != nil {
		return fmt.Errorf("clear user roles: %w", err)
	}
	for _, role := range dedupe(roles) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auth_user_roles (user_id, role_code) VALUES ($1, $2)
		`, ownerID, role); err != nil {
			return fmt.Errorf("insert user role: %w", err)
		}
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func collectStrings(rows *sql.Rows, what string) ([]string, error) {
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

func scanOwner(row *sql.Row) (Owner, error) {
	var owner Owner
	var status string
	var lastLogin sql.NullTime
	if err := row.Scan(
		&owner.ID,
		&owner.Username,
		&owner.Email,
		&owner.Phone,
		&status,
		&owner.PasswordHash,
		&lastLogin,
		&owner.LastLoginIP,
		&owner.CreatedAt,
		&owner.UpdatedAt,
	); err != nil {
		return Owner{}, err
	}
	owner.Status = Status(status)
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		owner.LastLoginAt = &value
	}
	return owner, nil
}
