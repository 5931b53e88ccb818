package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("quality", func(fl validator.FieldLevel) bool {
			return IsKnownQuality(fl.Field().String())
		})
		_ = validate.RegisterValidation("sourcename", func(fl validator.FieldLevel) bool {
			return IsValidSourceName(fl.Field().String())
		})
	})
	return validate
}

// Validate checks struct tags and reports failures as ErrInvalidSpec.
func Validate(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidSpec, strings.Join(parts, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
}

// IsValidSourceName reports whether name can double as a directory name.
func IsValidSourceName(name string) bool {
	n := strings.TrimSpace(name)
	if n == "" || n != name || n == "." || n == ".." || len(n) > 200 {
		return false
	}
	if strings.HasPrefix(n, ".") {
		return false
	}
	return !strings.ContainsAny(n, `/\:*?"<>|`+"\x00")
}
