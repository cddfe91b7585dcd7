// Structure of the account data the gateway relays from the backend.

package entity

import "time"

// Ban states stored by the backend.
const (
	BanNone            = "none"
	BanTempRestriction = "temp_restriction"
	BanPermRestriction = "perm_restriction"
	BanTemp            = "temp_ban"
	BanPerm            = "perm_ban"
)

// Ban is the moderation state of an account.
type Ban struct {
	State        string `json:"state" mapstructure:"state" msgpack:"state"`
	Restrictions int64  `json:"restrictions" mapstructure:"restrictions" msgpack:"restrictions"`
	Expires      int64  `json:"expires" mapstructure:"expires" msgpack:"expires"`
	Reason       string `json:"reason" mapstructure:"reason" msgpack:"reason"`
}

// Active reports whether the ban currently blocks logins.
func (b Ban) Active(now time.Time) bool {
	return b.State == BanPerm || (b.State == BanTemp && b.Expires > now.Unix())
}

// Account is the opaque account document returned by the backend.
type Account map[string]interface{}

// Username returns the canonical username of the account.
func (a Account) Username() string {
	for _, key := range []string{"_id", "username", "lower_username"} {
		if v, ok := a[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// SessionID returns the backend session id, if the backend sent one.
func (a Account) SessionID() string {
	if v, ok := a["session_id"].(string); ok {
		return v
	}
	return ""
}
