package cancellation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/ordertrack/pkg/enums"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
)

// MinCommentLength is the shortest accepted trimmed comment.
const MinCommentLength = 5

// Form is the buyer's cancellation input.
type Form struct {
	Reason  string `validate:"required,cancelreason"`
	Comment string `validate:"min=5"`
}

var (
	formValidatorOnce sync.Once
	formValidator     *validator.Validate
)

func validatorInstance() *validator.Validate {
	formValidatorOnce.Do(func() {
		formValidator = validator.New()
		_ = formValidator.RegisterValidation("cancelreason", func(fl validator.FieldLevel) bool {
			return enums.CancelReason(fl.Field().String()).IsValid()
		})
	})
	return formValidator
}

// Normalize trims the comment.
func (f Form) Normalize() Form {
	return Form{Reason: strings.TrimSpace(f.Reason), Comment: strings.TrimSpace(f.Comment)}
}

// Validate reports every problem with the form as one VALIDATION_ERROR.
func (f Form) Validate() error {
	f = f.Normalize()
	err := validatorInstance().Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "cancellation form")
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "Reason":
			if fe.Tag() == "required" {
				fields["reason"] = "select a reason"
			} else {
				fields["reason"] = "unknown reason"
			}
		case "Comment":
			fields["comment"] = fmt.Sprintf("tell us a little more (at least %d characters)", MinCommentLength)
		}
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "cancellation form invalid").WithDetails(fields)
}

// CompiledReason is the value sent to the server: "{reason}: {comment}".
func (f Form) CompiledReason() string {
	f = f.Normalize()
	return fmt.Sprintf("%s: %s", f.Reason, f.Comment)
}
