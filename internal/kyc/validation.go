package kyc

import (
	"regexp"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var countryCodeRegex = regexp.MustCompile(`^[A-Z]{2}$`)

// RegisterValidators installs the package's custom binding validators on
// gin's validator engine. Call once at startup before serving requests.
func RegisterValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}

	_ = v.RegisterValidation("assurance_level", validateAssuranceLevel)
	_ = v.RegisterValidation("country_code", validateCountryCode)
}

// validateAssuranceLevel checks that the value is a known verification level
func validateAssuranceLevel(fl validator.FieldLevel) bool {
	return VerificationLevel(fl.Field().String()).Valid()
}

// validateCountryCode checks for an ISO 3166-1 alpha-2 country code
func validateCountryCode(fl validator.FieldLevel) bool {
	return countryCodeRegex.MatchString(fl.Field().String())
}
