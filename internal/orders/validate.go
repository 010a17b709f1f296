package orders

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/ordertrack/pkg/enums"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterStructValidation(orderStructLevel, Order{})
	})
	return validate
}

func orderStructLevel(sl validator.StructLevel) {
	order := sl.Current().Interface().(Order)
	if order.Status != "" && !order.Status.IsValid() {
		sl.ReportError(order.Status, "Status", "status", "orderstatus", "")
	}
	if order.PaymentStatus != "" && !order.PaymentStatus.IsValid() {
		sl.ReportError(order.PaymentStatus, "PaymentStatus", "paymentStatus", "paymentstatus", "")
	}
	cancelled := order.Status == enums.OrderStatusCancelled
	if cancelled != (order.Cancellation != nil) {
		sl.ReportError(order.Cancellation, "Cancellation", "cancellation", "cancellation_iff_cancelled", "")
	}
}

// Validate checks a full order record received from the server.
func Validate(order Order) error {
	if err := validatorInstance().Struct(order); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("order %s failed validation", order.ID)).WithDetails(fields)
		}
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "order validation")
	}
	return nil
}
