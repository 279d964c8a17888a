package config

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

// Validator is implemented by configuration structs that need cross-field
// checks beyond struct tags. Validate runs after required and validate tags
// pass. An *sserr.Error is returned unchanged; other errors are wrapped with
// [sserr.CodeValidation].
type Validator interface {
	Validate() error
}

var (
	structValidatorOnce sync.Once
	structValidator     *validator.Validate
)

// tagValidator returns the shared go-playground validator. Validator
// instances cache struct metadata and are safe for concurrent use.
func tagValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValidator
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}

	if err := validateTags(cfg); err != nil {
		return err
	}

	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			if _, isSSErr := sserr.AsError(err); isSSErr {
				return err
			}
			return sserr.Wrap(err, sserr.CodeValidation,
				"config: custom validation failed")
		}
	}

	return nil
}

// validateTags runs `validate` struct tag rules. Only the first failing
// field is reported, matching the required-tag behavior.
func validateTags(cfg any) error {
	err := tagValidator().Struct(cfg)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return sserr.Wrap(err, sserr.CodeInternalConfiguration,
			"config: struct cannot be validated")
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		// Namespace is "Config.Redis.Addr"; drop the root type name.
		path := fe.StructNamespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		return sserr.Newf(sserr.CodeValidation,
			"config: field %q failed %q validation", path, fe.Tag()).
			WithDetail("field", path).
			WithDetail("rule", fe.Tag())
	}

	return sserr.Wrap(err, sserr.CodeValidation, "config: validation failed")
}

// validateRequired checks `required:"true"` fields recursively. path tracks
// the dotted field path for messages (e.g., "Redis.Addr").
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		if field.Kind() == reflect.Struct {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}

		if sf.Tag.Get("required") != "true" {
			continue
		}

		if field.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}

	return nil
}
