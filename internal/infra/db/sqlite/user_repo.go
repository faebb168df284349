package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/repository"
)

var _ repository.UserRepository = (*UserRepo)(nil)

type UserRepo struct {
	db *gorm.DB
}

func NewUserRepo(db *gorm.DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) Create(ctx context.Context, tx repository.Tx, u *model.User) error {
	db, err := conn(ctx, r.db, tx)
	if err != nil {
		return err
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(toUserRow(u))
	if res.Error != nil {
		if isDuplicate(res.Error) {
			return domain.ErrAlreadyExists
		}
		return wrapErr("insert user", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *UserRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
	return r.findOne(ctx, tx, "id = ?", id)
}

func (r *UserRepo) FindByEmail(ctx context.Context, tx repository.Tx, email string) (*model.User, error) {
	return r.findOne(ctx, tx, "email = ?", model.NormalizeEmail(email))
}

func (r *UserRepo) findOne(ctx context.Context, tx repository.Tx, where string, arg any) (*model.User, error) {
	db, err := conn(ctx, r.db, tx)
	if err != nil {
		return nil, err
	}
	var row userRow
	if err := db.Where(where, arg).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	return row.toModel(), nil
}

func (r *UserRepo) SetCourseAccess(ctx context.Context, tx repository.Tx, userID string, access bool) (bool, error) {
	db, err := conn(ctx, r.db, tx)
	if err != nil {
		return false, err
	}
	res := db.Model(&userRow{}).
		Where("id = ? AND has_course_access <> ?", userID, access).
		Updates(map[string]any{"has_course_access": access, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, wrapErr("set course access", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var n int64
	if err := db.Model(&userRow{}).Where("id = ?", userID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	if n == 0 {
		return false, domain.ErrUserNotFound
	}
	return false, nil
}
