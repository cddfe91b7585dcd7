package backend

import (
	"Relay/internal/entity"
	"context"
	"net/http"
	"net/url"

	"github.com/mitchellh/mapstructure"
	pkgerrors "github.com/pkg/errors"
)

// Session wraps the documents a login, registration or token check returns.
type Session struct {
	Token   string
	Account entity.Account
}

// Me checks a session token, GET /me.
// Called without a token it only touches the last seen time of the caller.
func (c *Client) Me(ctx context.Context, id Identity, token string) (entity.Account, error) {
	req := get("/me", id)
	if token != "" {
		req.Headers = map[string]string{HeaderSession: token}
	}
	doc, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return entity.Account(doc), nil
}

// Login exchanges credentials for a session, POST /auth/login.
func (c *Client) Login(ctx context.Context, id Identity, username, password string) (Session, error) {
	doc, err := c.Do(ctx, Request{
		Method:   http.MethodPost,
		Path:     "/auth/login",
		Identity: id,
		Body:     map[string]string{"username": username, "password": password},
	})
	if err != nil {
		return Session{}, err
	}
	return sessionOf(doc)
}

// Register creates an account and its first session, POST /auth/register.
func (c *Client) Register(ctx context.Context, id Identity, username, password string) (Session, error) {
	doc, err := c.Do(ctx, Request{
		Method:   http.MethodPost,
		Path:     "/auth/register",
		Identity: id,
		Body:     map[string]string{"username": username, "password": password},
	})
	if err != nil {
		return Session{}, err
	}
	return sessionOf(doc)
}

// Relationships lists the relationships of the caller, GET /me/relationships.
func (c *Client) Relationships(ctx context.Context, id Identity) (interface{}, error) {
	doc, err := c.Do(ctx, get("/me/relationships", id))
	if err != nil {
		return nil, err
	}
	return autoget(doc), nil
}

// Chats lists the chats of the caller, GET /chats.
func (c *Client) Chats(ctx context.Context, id Identity) (interface{}, error) {
	doc, err := c.Do(ctx, get("/chats", id))
	if err != nil {
		return nil, err
	}
	return autoget(doc), nil
}

// UpdateConfig forwards a config patch, POST /me/config.
func (c *Client) UpdateConfig(ctx context.Context, id Identity, patch map[string]interface{}) (Document, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: "/me/config", Identity: id, Body: patch})
}

// ChangePassword forwards a password change, PATCH /me/password.
func (c *Client) ChangePassword(ctx context.Context, id Identity, old, next string) error {
	_, err := c.Do(ctx, Request{
		Method:   http.MethodPatch,
		Path:     "/me/password",
		Identity: id,
		Body:     map[string]string{"old": old, "new": next},
	})
	return err
}

// DeleteTokens revokes every session of the caller, DELETE /me/tokens.
func (c *Client) DeleteTokens(ctx context.Context, id Identity) error {
	_, err := c.Do(ctx, Request{Method: http.MethodDelete, Path: "/me/tokens", Identity: id})
	return err
}

// DeleteAccount schedules the deletion of the caller, DELETE /me.
func (c *Client) DeleteAccount(ctx context.Context, id Identity, password string) error {
	_, err := c.Do(ctx, Request{
		Method:   http.MethodDelete,
		Path:     "/me",
		Identity: id,
		Body:     map[string]string{"password": password},
	})
	return err
}

// Report kinds accepted by the backend.
const (
	ReportPost = "post"
	ReportUser = "user"
)

// Report files a report about a post or a user, POST /posts/{id}/report or /users/{id}/report.
func (c *Client) Report(ctx context.Context, id Identity, kind, target, reason, comment string) error {
	path := "/posts/" + url.PathEscape(target) + "/report"
	if kind == ReportUser {
		path = "/users/" + url.PathEscape(target) + "/report"
	}
	_, err := c.Do(ctx, Request{
		Method:   http.MethodPost,
		Path:     path,
		Identity: id,
		Body:     map[string]string{"reason": reason, "comment": comment},
	})
	return err
}

// GetUser fetches the public profile of a user, GET /users/{u}.
func (c *Client) GetUser(ctx context.Context, username string) (Document, error) {
	return c.Do(ctx, get("/users/"+url.PathEscape(username), Identity{}))
}

// GetPost fetches a post, GET /posts/{id}.
func (c *Client) GetPost(ctx context.Context, id string) (Document, error) {
	return c.Do(ctx, get("/posts/"+url.PathEscape(id), Identity{}))
}

// GetEmoji fetches a custom emoji, GET /emojis/{id}.
func (c *Client) GetEmoji(ctx context.Context, id string) (Document, error) {
	return c.Do(ctx, get("/emojis/"+url.PathEscape(id), Identity{}))
}

// GetSticker fetches a sticker, GET /stickers/{id}.
func (c *Client) GetSticker(ctx context.Context, id string) (Document, error) {
	return c.Do(ctx, get("/stickers/"+url.PathEscape(id), Identity{}))
}

// AdminGetUser fetches the full account of a user, GET /admin/users/{u}.
func (c *Client) AdminGetUser(ctx context.Context, username string) (entity.Account, error) {
	doc, err := c.Do(ctx, get("/admin/users/"+url.PathEscape(username), Identity{}))
	if err != nil {
		return nil, err
	}
	return entity.Account(doc), nil
}

// AdminSetBan writes the ban state of a user, POST /admin/users/{u}/ban.
func (c *Client) AdminSetBan(ctx context.Context, username string, ban entity.Ban) error {
	_, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/admin/users/" + url.PathEscape(username) + "/ban",
		Body:   ban,
	})
	return err
}

// AdminGetNotes reads the admin notes of a user, GET /admin/notes/{u}.
func (c *Client) AdminGetNotes(ctx context.Context, username string) (string, error) {
	doc, err := c.Do(ctx, get("/admin/notes/"+url.PathEscape(username), Identity{}))
	if err != nil {
		return "", err
	}
	notes, _ := doc["notes"].(string)
	return notes, nil
}

// AdminPutNotes replaces the admin notes of a user, PUT /admin/notes/{u}.
func (c *Client) AdminPutNotes(ctx context.Context, username, notes string) error {
	_, err := c.Do(ctx, Request{
		Method: http.MethodPut,
		Path:   "/admin/notes/" + url.PathEscape(username),
		Body:   map[string]string{"notes": notes},
	})
	return err
}

// Status reads the status document, GET /status.
func (c *Client) Status(ctx context.Context) (StatusDocument, error) {
	doc, err := c.Do(ctx, get("/status", Identity{}))
	if err != nil {
		return StatusDocument{}, err
	}
	var raw statusFields
	if decerr := mapstructure.WeakDecode(doc, &raw); decerr != nil {
		return StatusDocument{}, pkgerrors.Wrap(decerr, "decode status document")
	}
	status := StatusDocument{
		RepairMode: first(raw.RepairMode, raw.IsRepairMode, false),
		// Absent registration flag means enabled
		Registration: first(raw.Registration, raw.RegistrationEnabled, true),
	}
	return status, nil
}

// StatusDocument is the repair / registration state published by the backend.
type StatusDocument struct {
	RepairMode   bool
	Registration bool
}

// Both spellings of the status document are accepted.
type statusFields struct {
	RepairMode          *bool `mapstructure:"repair_mode"`
	IsRepairMode        *bool `mapstructure:"isRepairMode"`
	Registration        *bool `mapstructure:"registration"`
	RegistrationEnabled *bool `mapstructure:"registrationEnabled"`
}

func first(a, b *bool, fallback bool) bool {
	if a != nil {
		return *a
	}
	if b != nil {
		return *b
	}
	return fallback
}

// BanOf decodes the ban object of an account document.
func BanOf(account entity.Account) entity.Ban {
	ban := entity.Ban{State: entity.BanNone}
	if raw, ok := account["ban"]; ok {
		_ = mapstructure.WeakDecode(raw, &ban)
	}
	return ban
}

// List endpoints wrap their items as {autoget: [...]}.
func autoget(doc Document) interface{} {
	if items, ok := doc["autoget"]; ok {
		return items
	}
	return []interface{}{}
}

func sessionOf(doc Document) (Session, error) {
	token, _ := doc["token"].(string)
	account, ok := doc["account"].(map[string]interface{})
	if !ok || token == "" {
		return Session{}, pkgerrors.New("backend session is missing token or account")
	}
	return Session{Token: token, Account: entity.Account(account)}, nil
}
