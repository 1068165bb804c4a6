package server

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

type Validator struct {
	cli *validator.Validate
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func NewValidator() *Validator {
	return &Validator{
		cli: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ValidateStruct returns one entry per failed field, or nil.
func (v *Validator) ValidateStruct(s any) []ValidationError {
	err := v.cli.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Message: fe.Error(),
		})
	}
	return out
}
