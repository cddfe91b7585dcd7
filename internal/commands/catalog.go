// Command catalog of Relay. Every state changing command is forwarded to the backend.

package commands

import (
	"Relay/internal/backend"
	"Relay/internal/client"
	"Relay/internal/entity"
	"Relay/internal/errors"
	"Relay/internal/metrics"
	"Relay/internal/ratelimit"
	"context"

	pkgerrors "github.com/pkg/errors"
)

// Command names.
const (
	CmdPing         = "ping"
	CmdGetUlist     = "get_ulist"
	CmdAuthPswd     = "authpswd"
	CmdGenAccount   = "gen_account"
	CmdUpdateConfig = "update_config"
	CmdChangePswd   = "change_pswd"
	CmdDelTokens    = "del_tokens"
	CmdDelAccount   = "del_account"
	CmdReport       = "report"
	CmdGetPeakUsers = "get_peak_users"
)

// Reason sent to the backend when a report carries none.
const defaultReportReason = "No reason specified"

// Auth runs the login flows.
type Auth interface {
	Login(ctx context.Context, c *client.Client, username, password string) error
	Register(ctx context.Context, c *client.Client, username, password string) error
}

// Backend is the subset of the REST proxy the catalog forwards to.
type Backend interface {
	UpdateConfig(ctx context.Context, id backend.Identity, patch map[string]interface{}) (backend.Document, error)
	ChangePassword(ctx context.Context, id backend.Identity, old, next string) error
	DeleteTokens(ctx context.Context, id backend.Identity) error
	DeleteAccount(ctx context.Context, id backend.Identity, password string) error
	Report(ctx context.Context, id backend.Identity, kind, target, reason, comment string) error
}

// Sessions exposes the registry to handlers.
type Sessions interface {
	Presence() string
	Present(username string) bool
	KickUser(username, sid string, status errors.Status, code int, reason string) int
}

// Publisher hands events to the fan-out engine.
type Publisher interface {
	Publish(ctx context.Context, ev entity.Event) int
}

// Flags exposes the process wide status flags.
type Flags interface {
	RegistrationEnabled() bool
}

// PeakSource returns the peak users record.
type PeakSource interface {
	Peak(ctx context.Context) (entity.PeakUsers, error)
}

// Deps are the collaborators of the catalog.
type Deps struct {
	Auth      Auth
	Backend   Backend
	Sessions  Sessions
	Publisher Publisher
	Flags     Flags
	Peak      PeakSource
	Limiter   ratelimit.Limiter
}

type handlers struct {
	Deps
}

// Catalog returns the descriptors of every client command.
func Catalog(deps Deps) []Command {
	h := handlers{deps}
	return []Command{
		{Name: CmdPing, Handler: h.ping},
		{Name: CmdGetUlist, Params: ParamListener, Handler: h.getUlist},
		{Name: entity.CmdPmsg, Params: ParamVal | ParamID, AuthRequired: true, Handler: h.pmsg},
		{Name: entity.CmdPvar, Params: ParamVal | ParamID | ParamName, AuthRequired: true, Handler: h.pvar},
		{Name: CmdAuthPswd, Params: ParamVal, Handler: h.authPswd},
		{Name: CmdGenAccount, Params: ParamVal, Handler: h.genAccount},
		{Name: CmdUpdateConfig, Params: ParamVal, AuthRequired: true, Handler: h.updateConfig},
		{Name: CmdChangePswd, Params: ParamVal, AuthRequired: true, Handler: h.changePswd},
		{Name: CmdDelTokens, Params: ParamListener, AuthRequired: true, Handler: h.delTokens},
		{Name: CmdDelAccount, Params: ParamVal | ParamListener, AuthRequired: true, Handler: h.delAccount},
		{Name: CmdReport, Params: ParamVal, AuthRequired: true, Handler: h.report},
		{Name: CmdGetPeakUsers, AuthRequired: true, Handler: h.getPeakUsers},
	}
}

func identity(c *client.Client) backend.Identity {
	return backend.Identity{IP: c.IP, Username: c.Username()}
}

func (h handlers) ping(context.Context, *client.Client, Args) error {
	return nil
}

// The presence list itself is the reply.
func (h handlers) getUlist(_ context.Context, c *client.Client, args Args) error {
	var extra map[string]interface{}
	if args.Listener != "" {
		extra = map[string]interface{}{"listener": args.Listener}
	}
	c.Send(entity.CmdUlist, h.Sessions.Presence(), extra)
	return errReplied
}

func (h handlers) pmsg(ctx context.Context, c *client.Client, args Args) error {
	return h.relay(ctx, c, entity.CmdPmsg, args, nil)
}

func (h handlers) pvar(ctx context.Context, c *client.Client, args Args) error {
	if args.Name == "" {
		return errors.Wrap(errors.Syntax, pkgerrors.New("pvar without name"))
	}
	return h.relay(ctx, c, entity.CmdPvar, args, map[string]interface{}{"name": args.Name})
}

// relay forwards val to every socket of the target user, stamped with the sender.
func (h handlers) relay(ctx context.Context, c *client.Client, cmd string, args Args, extra map[string]interface{}) error {
	if args.ID == "" {
		return errors.Wrap(errors.Syntax, pkgerrors.Errorf("%s without id", cmd))
	}
	if !h.Sessions.Present(args.ID) {
		return errors.WithStatus(errors.IDNotFound)
	}
	if extra == nil {
		extra = map[string]interface{}{}
	}
	extra["origin"] = c.Username()
	h.Publisher.Publish(ctx, entity.Event{
		Cmd:      cmd,
		Val:      args.Val,
		Extra:    extra,
		Audience: entity.ToUsernames(args.ID),
	})
	return nil
}

func (h handlers) authPswd(ctx context.Context, c *client.Client, args Args) error {
	// Already authenticated, nothing to do
	if c.Username() != "" {
		return nil
	}
	var creds credentials
	if err := decode(args.Val, &creds); err != nil {
		return err
	}
	return h.Auth.Login(ctx, c, creds.Username, creds.Password)
}

func (h handlers) genAccount(ctx context.Context, c *client.Client, args Args) error {
	if c.Username() != "" {
		return nil
	}
	if !h.Flags.RegistrationEnabled() {
		return errors.WithStatus(errors.Disabled)
	}
	var reg registration
	if err := decode(args.Val, &reg); err != nil {
		return err
	}
	return h.Auth.Register(ctx, c, reg.Username, reg.Password)
}

func (h handlers) updateConfig(ctx context.Context, c *client.Client, args Args) error {
	patch, ok := args.Val.(map[string]interface{})
	if !ok {
		return errors.Wrap(errors.Datatype, pkgerrors.Errorf("val is %T, want object", args.Val))
	}
	username := c.Username()
	bucket := ratelimit.Config(username)
	if h.Limiter.AnyRatelimited(ctx, bucket) {
		return errors.WithStatus(errors.RateLimit)
	}
	h.Limiter.Spend(ctx, bucket)

	if _, err := h.Backend.UpdateConfig(ctx, identity(c), patch); err != nil {
		return err
	}
	// Keep the other sessions of the user in sync
	h.Publisher.Publish(ctx, entity.Event{
		Cmd:      CmdUpdateConfig,
		Val:      patch,
		Audience: entity.ToUsernames(username),
	})
	return nil
}

func (h handlers) changePswd(ctx context.Context, c *client.Client, args Args) error {
	var change passwordChange
	if err := decode(args.Val, &change); err != nil {
		return err
	}
	bucket := ratelimit.LoginFailure(c.Username())
	if h.Limiter.AnyRatelimited(ctx, bucket) {
		return errors.WithStatus(errors.RateLimit)
	}
	h.Limiter.Spend(ctx, bucket)
	return h.Backend.ChangePassword(ctx, identity(c), change.Old, change.New)
}

func (h handlers) delTokens(ctx context.Context, c *client.Client, args Args) error {
	if err := h.Backend.DeleteTokens(ctx, identity(c)); err != nil {
		return err
	}
	h.logoutEverywhere(c, args.Listener)
	return errReplied
}

func (h handlers) delAccount(ctx context.Context, c *client.Client, args Args) error {
	password, err := decodeString(args.Val, 1, 255)
	if err != nil {
		return err
	}
	bucket := ratelimit.LoginFailure(c.Username())
	if h.Limiter.AnyRatelimited(ctx, bucket) {
		return errors.WithStatus(errors.RateLimit)
	}
	h.Limiter.Spend(ctx, bucket)
	if err := h.Backend.DeleteAccount(ctx, identity(c), password); err != nil {
		return err
	}
	h.logoutEverywhere(c, args.Listener)
	return errReplied
}

// logoutEverywhere replies OK first so the reply is flushed before the close.
func (h handlers) logoutEverywhere(c *client.Client, listener string) {
	c.SendStatus(errors.OK, listener)
	h.Sessions.KickUser(c.Username(), "", "", client.CloseGoingAway, client.ReasonLoggedOut)
}

func (h handlers) report(ctx context.Context, c *client.Client, args Args) error {
	var req reportRequest
	if err := decode(args.Val, &req); err != nil {
		return err
	}
	if req.Type == nil {
		return errors.Wrap(errors.Syntax, pkgerrors.New("report without type"))
	}
	var kind string
	switch *req.Type {
	case 0:
		kind = backend.ReportPost
	case 1:
		kind = backend.ReportUser
	default:
		return errors.WithStatus(errors.IDNotFound)
	}
	if req.Reason == "" {
		req.Reason = defaultReportReason
	}

	bucket := ratelimit.Report(c.Username())
	if h.Limiter.AnyRatelimited(ctx, bucket) {
		return errors.WithStatus(errors.RateLimit)
	}
	h.Limiter.Spend(ctx, bucket)
	return h.Backend.Report(ctx, identity(c), kind, req.ID, req.Reason, req.Comment)
}

func (h handlers) getPeakUsers(ctx context.Context, c *client.Client, _ Args) error {
	peak, err := h.Peak.Peak(ctx)
	if err != nil {
		return err
	}
	c.Send(metrics.CmdPeak, peak, nil)
	return nil
}
