package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBanActive(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		ban  Ban
		want bool
	}{
		{"none", Ban{State: BanNone}, false},
		{"perm", Ban{State: BanPerm}, true},
		{"temp future", Ban{State: BanTemp, Expires: now.Unix() + 60}, true},
		{"temp expired", Ban{State: BanTemp, Expires: now.Unix() - 1}, false},
		{"restriction", Ban{State: BanPermRestriction}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ban.Active(now))
		})
	}
}

func TestAccountUsername(t *testing.T) {
	assert.Equal(t, "Alice", Account{"_id": "Alice", "lower_username": "alice"}.Username())
	assert.Equal(t, "bob", Account{"lower_username": "bob"}.Username())
	assert.Equal(t, "", Account{"_id": 12}.Username())
	assert.Equal(t, "s1", Account{"session_id": "s1"}.SessionID())
}

func TestDirectiveApply(t *testing.T) {
	state, expires := BanTemp, int64(99)
	d := Directive{State: &state, Expires: &expires}
	got := d.Apply(Ban{State: BanNone, Reason: "kept", Restrictions: 3})
	assert.Equal(t, Ban{State: BanTemp, Expires: 99, Reason: "kept", Restrictions: 3}, got)
}

func TestAudience(t *testing.T) {
	assert.True(t, ToAll().All())
	assert.False(t, ToConnections().All())
	assert.False(t, ToUsernames("a").All())
}
