// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/paygate/internal/model"
)

// OrderIntake содержит поля запроса на создание заказа.
type OrderIntake struct {
	Amount        decimal.Decimal `validate:"gt=0"`
	Currency      string          `validate:"required,iso4217"`
	CustomerEmail string          `validate:"required,email"`
	CustomerName  string          `validate:"max=200"`
	PlanID        string          `validate:"max=64"`
	PlanName      string          `validate:"max=200"`
	Description   string          `validate:"max=100"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Normalize убирает пробелы и приводит код валюты к верхнему регистру.
func (in *OrderIntake) Normalize() {
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.CustomerEmail = strings.TrimSpace(in.CustomerEmail)
	in.CustomerName = strings.TrimSpace(in.CustomerName)
	in.PlanID = strings.TrimSpace(in.PlanID)
	in.PlanName = strings.TrimSpace(in.PlanName)
	in.Description = strings.TrimSpace(in.Description)
}

// ValidateOrderIntake проверяет запрос на создание заказа. Ошибка оборачивает model.ErrInvalidRequest.
func ValidateOrderIntake(in OrderIntake) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: invalid fields: %s", model.ErrInvalidRequest, strings.Join(fields, ", "))
}

// IsValidOrderID проверяет, что идентификатор заказа не пуст и не содержит пробелов.
func IsValidOrderID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, " \t\r\n/")
}
