// Typed command payloads and the decoding of a packet val into them.

package commands

import (
	"Relay/internal/errors"
	"Relay/pkg/validation"

	"github.com/mitchellh/mapstructure"
	pkgerrors "github.com/pkg/errors"
)

type credentials struct {
	Username string `json:"username" valid:"required,stringlength(1|20)"`
	Password string `json:"pswd" valid:"required,stringlength(1|255)"`
}

type registration struct {
	Username string `json:"username" valid:"required,stringlength(1|20),nospace,utf8"`
	Password string `json:"pswd" valid:"required,stringlength(8|255)"`
}

type passwordChange struct {
	Old string `json:"old" valid:"required,stringlength(1|255)"`
	New string `json:"new" valid:"required,stringlength(8|255)"`
}

// Report type 0 is a post, 1 a user.
type reportRequest struct {
	Type    *int   `json:"type"`
	ID      string `json:"id" valid:"required,stringlength(1|255)"`
	Reason  string `json:"reason" valid:"stringlength(0|255)"`
	Comment string `json:"comment" valid:"stringlength(0|2000)"`
}

// decode fills out from a packet val.
// A val that is not an object or carries mistyped fields replies Datatype,
// missing or out of range fields reply Syntax.
func decode(val interface{}, out interface{}) error {
	m, ok := val.(map[string]interface{})
	if !ok {
		return errors.Wrap(errors.Datatype, pkgerrors.Errorf("val is %T, want object", val))
	}
	dec, decerr := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
	})
	if decerr != nil {
		return pkgerrors.Wrap(decerr, "new payload decoder")
	}
	if decerr := dec.Decode(m); decerr != nil {
		return errors.Wrap(errors.Datatype, decerr)
	}
	if valerr := validation.ValidateStruct(out); valerr != nil {
		return errors.Wrap(errors.Syntax, valerr)
	}
	return nil
}

// decodeString checks that val is a string of bounded length.
func decodeString(val interface{}, min, max int) (string, error) {
	s, ok := val.(string)
	if !ok {
		return "", errors.Wrap(errors.Datatype, pkgerrors.Errorf("val is %T, want string", val))
	}
	if n := len([]rune(s)); n < min || n > max {
		return "", errors.Wrap(errors.Syntax, pkgerrors.Errorf("val length %d out of [%d, %d]", n, min, max))
	}
	return s, nil
}
