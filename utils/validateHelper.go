package utils

import (
	"context"
	"reflect"

	"bitbucket.org/mmdatafocus/contracts_backend/config"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct runs go-playground tag validation on an input struct.
func ValidateStruct(input interface{}) error {
	return validate.Struct(input)
}

func ValidateUnique[T any](ctx context.Context, orgId string, column string, value interface{}, exceptId interface{}) error {
	var count int64
	var err error
	if reflect.ValueOf(exceptId).IsZero() {
		count, err = ResourceCountWhere[T](ctx, orgId, column+" = ?", value)
	} else {
		count, err = ResourceCountWhere[T](ctx, orgId, column+" = ? AND NOT id = ?", value, exceptId)
	}

	if err != nil {
		return err
	}
	if count > 0 {
		return ErrorDuplicate(column)
	}
	return nil
}

// count records, using WHERE org_id = ? AND $condition
// org_id can be blank for admin tooling
func ResourceCountWhere[T any](ctx context.Context, orgId string, condition string, value ...interface{}) (int64, error) {
	var model T

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&model)
	var count int64
	if orgId != "" {
		dbCtx.Where("org_id = ?", orgId)
	}
	dbCtx.Where(condition, value...)
	if err := dbCtx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
