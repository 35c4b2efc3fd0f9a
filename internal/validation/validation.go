// Package validation provides request binding and input validation helpers.
package validation

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/safehold/safehold/internal/apperr"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// oneOf builds a validator.Func accepting exactly the listed values.
func oneOf(values ...string) validator.Func {
	allowed := make(map[string]bool, len(values))
	for _, v := range values {
		allowed[v] = true
	}
	return func(fl validator.FieldLevel) bool {
		return allowed[fl.Field().String()]
	}
}

var customTags = map[string]validator.Func{
	"feepolicy":  oneOf("buyer", "seller", "split"),
	"partyrole":  oneOf("buyer", "seller"),
	"paymethod":  oneOf("wallet", "gateway"),
	"currency":   oneOf("NGN", "USD", "EUR"),
	"merchant":   oneOf("Paystack", "Flutterwave", "Stripe", "Bank Transfer"),
	"useraction": oneOf("activate", "suspend", "delete"),
}

var registerOnce sync.Once

// Register installs the custom tags on gin's validator engine. It is safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		for tag, fn := range customTags {
			_ = v.RegisterValidation(tag, fn)
		}
	})
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// FieldError describes one rejected field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Bind decodes the JSON body into req and runs struct validation. Failures
// come back as an apperr validation error with per-field details.
func Bind(c *gin.Context, req any) error {
	Register()
	if err := c.ShouldBindJSON(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]FieldError, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, FieldError{Field: lowerFirst(fe.Field()), Message: describe(fe)})
			}
			return apperr.Validation(details[0].Field+": "+details[0].Message, details)
		}
		return apperr.Validation("Invalid request body", nil)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "alphanum":
		return "must be alphanumeric"
	case "dive":
		return "contains an invalid entry"
	}
	if _, ok := customTags[fe.Tag()]; ok {
		return "has an unsupported value"
	}
	return "is invalid"
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// SanitizeString trims whitespace, removes NUL bytes, and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// NormalizeEmail lower-cases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SameEmail compares two addresses case-insensitively
func SameEmail(a, b string) bool {
	return NormalizeEmail(a) == NormalizeEmail(b)
}
