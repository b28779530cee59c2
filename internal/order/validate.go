package order

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"venue-gateway/pkg/errs"
	"venue-gateway/pkg/venue"
)

// Validator checks order requests before they reach the venue.
type Validator struct {
	v *validator.Validate
}

// NewValidator reports field names by their json tag.
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validatePrices, Request{})
	return &Validator{v: v}
}

// Validate returns an error wrapping errs.ErrInvalidRequest that names every
// failing field.
func (v *Validator) Validate(req Request) error {
	err := v.v.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", errs.ErrInvalidRequest, err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fe.Field()+" "+fe.Tag())
	}
	return fmt.Errorf("%w: %s", errs.ErrInvalidRequest, strings.Join(parts, ", "))
}

// validatePrices requires the price fields the order type uses.
func validatePrices(sl validator.StructLevel) {
	req := sl.Current().Interface().(Request)
	switch req.Type {
	case venue.OrderTypeLimit:
		if !req.LimitPrice.IsPositive() {
			sl.ReportError(req.LimitPrice, "limit_price", "LimitPrice", "gt0", "")
		}
	case venue.OrderTypeStop:
		if !req.StopPrice.IsPositive() {
			sl.ReportError(req.StopPrice, "stop_price", "StopPrice", "gt0", "")
		}
	}
	if req.LimitPrice.IsNegative() {
		sl.ReportError(req.LimitPrice, "limit_price", "LimitPrice", "gte0", "")
	}
}
