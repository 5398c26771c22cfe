package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct validation tags
// and a few cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	seen := map[string]bool{}
	for _, b := range cfg.Bindings {
		key := b.Exchange + "|" + b.RoutingKey
		if seen[key] {
			return fmt.Errorf("duplicate binding for exchange %q routing key %q", b.Exchange, b.RoutingKey)
		}
		seen[key] = true
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "min":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Namespace(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag())
	}
}
