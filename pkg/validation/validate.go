// Handles all sorts of custom data validations happening in Relay.

package validation

import (
	"sync"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"
)

var once sync.Once

// This function registers custom validation tags to be used as annotations in struct.
// After registering and adding the annotation, govalidator.ValidateStruct will trigger the validation.
// Safe to call more than once.
func RegisterCustomValidations() {
	once.Do(func() {
		// This custom validation checks if there's any whitespace in the input string.
		govalidator.TagMap["nospace"] = govalidator.Validator(func(str string) bool {
			return !govalidator.HasWhitespace(str)
		})
		// Rejects strings carrying invalid utf-8, those can't be relayed as JSON text.
		govalidator.TagMap["utf8"] = govalidator.Validator(func(str string) bool {
			return utf8.ValidString(str)
		})
	})
}

// ValidateStruct registers the custom tags if needed and validates the struct.
func ValidateStruct(s interface{}) error {
	RegisterCustomValidations()
	_, valerr := govalidator.ValidateStruct(s)
	return valerr
}
