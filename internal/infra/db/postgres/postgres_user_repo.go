package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/repository"
)

var _ repository.UserRepository = (*PostgresUserRepo)(nil)

type PostgresUserRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{pool: pool}
}

const userColumns = `id, email, name, phone, password_hash, email_verified_at, has_course_access, created_at, updated_at`

// Create inserts u. A concurrent insert of the same email is reported as
// domain.ErrAlreadyExists without aborting the surrounding transaction.
func (r *PostgresUserRepo) Create(ctx context.Context, tx repository.Tx, u *model.User) error {
	const q = `
INSERT INTO users (` + userColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (email) DO NOTHING
RETURNING id;`
	row, err := pickRow(ctx, r.pool, tx, q,
		u.ID, model.NormalizeEmail(u.Email), u.Name, u.Phone, u.PasswordHash,
		u.EmailVerifiedAt, u.HasCourseAccess, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return err
	}
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrAlreadyExists
		}
		return wrapExecErr("insert user", err)
	}
	return nil
}

func (r *PostgresUserRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+userColumns+` FROM users WHERE id=$1;`, id)
	if err != nil {
		return nil, err
	}
	return scanUser(row)
}

func (r *PostgresUserRepo) FindByEmail(ctx context.Context, tx repository.Tx, email string) (*model.User, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+userColumns+` FROM users WHERE email=$1;`, model.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	return scanUser(row)
}

// SetCourseAccess writes the flag only if it differs and reports whether it did.
func (r *PostgresUserRepo) SetCourseAccess(ctx context.Context, tx repository.Tx, userID string, access bool) (bool, error) {
	const q = `UPDATE users SET has_course_access=$2, updated_at=$3 WHERE id=$1 AND has_course_access<>$2;`
	tag, err := execSQL(ctx, r.pool, tx, q, userID, access, time.Now().UTC())
	if err != nil {
		return false, wrapExecErr("set course access", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	row, err := pickRow(ctx, r.pool, tx, `SELECT 1 FROM users WHERE id=$1;`, userID)
	if err != nil {
		return false, err
	}
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrUserNotFound
		}
		return false, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	return false, nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Phone, &u.PasswordHash, &u.EmailVerifiedAt,
		&u.HasCourseAccess, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	return &u, nil
}
