package http

import (
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "hostelpro/internal/errors"
	"hostelpro/internal/license"
)

// newValidator returns a validator that reports JSON field names and knows
// the licensekey tag
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("licensekey", func(fl validator.FieldLevel) bool {
		return license.ValidKeyFormat(license.NormalizeKey(fl.Field().String()))
	})
	return v
}

// decode reads a JSON body into dst and validates it
func decode(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) error {
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, 1<<20), dst); err != nil {
		return apperrors.InvalidRequestWithError(fmt.Errorf("invalid JSON body: %w", err))
	}
	return v.Struct(dst)
}
