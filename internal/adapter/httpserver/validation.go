package httpserver

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

var validate = validator.New()

type submitShape struct {
	Code     string `validate:"required"`
	Language string `validate:"required,oneof=python"`
	Priority string `validate:"omitempty,oneof=low normal high"`
}

// validateSubmit checks wire-level shape before the submit service applies
// the semantic rules (byte-exact size caps, timeout bounds, null bytes).
func validateSubmit(req submitRequest) error {
	shape := submitShape{Code: req.Code, Language: req.Language, Priority: req.Priority}
	if err := validate.Struct(shape); err != nil {
		var fields []string
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s:%s", fe.Field(), fe.Tag()))
			}
		}
		return fmt.Errorf("op=httpserver.validate: %v: %w", fields, domain.ErrInvalidRequest)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	if verrs, ok := err.(validator.ValidationErrors); ok {
		*target = verrs
		return true
	}
	return false
}
