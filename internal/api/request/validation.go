package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

func init() {
	validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
}

func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// RequireDomain normalizes a domain path parameter and rejects values that
// are not a fully qualified name.
func RequireDomain(s string) (string, error) {
	d := NormalizeDomain(s)
	if d == "" {
		return "", fmt.Errorf("missing required domain")
	}
	if err := validate.Var(d, "fqdn"); err != nil {
		return "", fmt.Errorf("invalid domain %q", s)
	}
	return d, nil
}

// NormalizeDomain lowercases d and strips surrounding whitespace and a
// trailing root dot.
func NormalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}
