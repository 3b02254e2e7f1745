package validation

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// referralCodePattern is the safe alphabet: A-Z without I, L, O and 2-9.
var referralCodePattern = regexp.MustCompile(`^[A-HJ-KM-NP-Z2-9]{8}$`)

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = validate.RegisterValidation("referral_code", func(fl validator.FieldLevel) bool {
			return IsReferralCode(fl.Field().String())
		})
	})
	return validate
}

// IsReferralCode reports whether s is a well-formed referral code
func IsReferralCode(s string) bool {
	return referralCodePattern.MatchString(s)
}

// ValidateStruct validates a struct using `validate` tags
func ValidateStruct(s interface{}) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return NewValidationError(verrs)
	}
	return err
}

// ValidateVar validates a single value against a tag expression
func ValidateVar(value interface{}, tag string) error {
	return instance().Var(value, tag)
}
