// Structure of messages received on the cross-process admin and event channels.

package entity

// Admin directive ops.
const (
	OpAlertUser        = "alert_user"
	OpBanUser          = "ban_user"
	OpRevokeAccSession = "revoke_acc_session"
	OpLog              = "log"
	OpRepairMode       = "repair_mode"
)

// Directive is one admin bus message. Ban patch fields are pointers so absent keys stay untouched.
type Directive struct {
	Op      string `msgpack:"op"`
	User    string `msgpack:"user"`
	Content string `msgpack:"content"`
	Sid     string `msgpack:"sid"`
	// log
	Level string `msgpack:"level"`
	Msg   string `msgpack:"msg"`
	// repair_mode
	Enabled bool `msgpack:"enabled"`
	// ban_user
	State        *string `msgpack:"state"`
	Restrictions *int64  `msgpack:"restrictions"`
	Expires      *int64  `msgpack:"expires"`
	Reason       *string `msgpack:"reason"`
	Note         string  `msgpack:"note"`
}

// Apply merges the ban patch carried by the directive into ban.
func (d Directive) Apply(ban Ban) Ban {
	if d.State != nil {
		ban.State = *d.State
	}
	if d.Restrictions != nil {
		ban.Restrictions = *d.Restrictions
	}
	if d.Expires != nil {
		ban.Expires = *d.Expires
	}
	if d.Reason != nil {
		ban.Reason = *d.Reason
	}
	return ban
}

// EventMessage is the packed map following the op byte on the event channel.
// Usernames nil means every live connection.
type EventMessage struct {
	Val       interface{} `msgpack:"val"`
	Usernames []string    `msgpack:"usernames"`
	Origin    string      `msgpack:"origin"`
}

// Event channel op codes.
const (
	OpCreateUser uint8 = iota
	OpUpdateUser
	OpDeleteUser
	OpUpdateUserSettings
	OpRevokeSession
	OpUpdateRelationship
	OpCreateChat
	OpUpdateChat
	OpDeleteChat
	OpCreateChatMember
	OpUpdateChatMember
	OpDeleteChatMember
	OpCreateChatEmote
	OpUpdateChatEmote
	OpDeleteChatEmote
	OpTyping
	OpCreatePost
	OpUpdatePost
	OpDeletePost
	OpBulkDeletePosts
	OpPostReactionAdd
	OpPostReactionRemove
)
