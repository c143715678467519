package types

import (
	"github.com/go-playground/validator/v10"
)

// ResourceNameTag is the validator tag enforcing ResourceNamePattern.
const ResourceNameTag = "resource_name"

// NewValidator returns a validator with the pipeline's custom tags registered.
// Both configuration loading and webhook payload validation use it so that the
// character set is enforced identically everywhere.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails on an empty tag or nil func.
	_ = v.RegisterValidation(ResourceNameTag, func(fl validator.FieldLevel) bool {
		return IsValidResourceName(fl.Field().String())
	})
	return v
}
