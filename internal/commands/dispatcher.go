// Command dispatcher of Relay. Commands are registered once with a static descriptor
// naming the packet fields their handler consumes.

package commands

import (
	"Relay/internal/client"
	"Relay/internal/entity"
	"Relay/internal/errors"
	"Relay/internal/metrics"
	"Relay/pkg/log"
	"Relay/pkg/safe"
	"context"
	stderrors "errors"

	pkgerrors "github.com/pkg/errors"
)

// Param is a set of optional packet fields handed to a handler.
type Param uint8

const (
	ParamVal Param = 1 << iota
	ParamListener
	ParamID
	ParamName
)

// Args carries the declared packet fields. Undeclared ones stay zero.
type Args struct {
	Val      interface{}
	Listener string
	ID       string
	Name     string
}

// Handler runs one command. A nil error replies OK with the listener.
type Handler func(ctx context.Context, c *client.Client, args Args) error

// Command is the static descriptor of a command.
type Command struct {
	Name         string
	Params       Param
	AuthRequired bool
	Handler      Handler
}

// errReplied is returned by handlers that already sent the reply of their packet.
var errReplied = stderrors.New("reply already sent")

// Dispatcher looks commands up by name and converts handler results to replies.
type Dispatcher struct {
	commands map[string]Command
	logger   log.Logger
}

func NewDispatcher(logger log.Logger, cmds ...Command) *Dispatcher {
	d := &Dispatcher{commands: make(map[string]Command, len(cmds)), logger: logger}
	d.Register(cmds...)
	return d
}

// Register adds commands. Registering a name twice is a programming error.
func (d *Dispatcher) Register(cmds ...Command) {
	for _, cmd := range cmds {
		if _, dup := d.commands[cmd.Name]; dup {
			panic("commands: duplicate command " + cmd.Name)
		}
		d.commands[cmd.Name] = cmd
	}
}

// Has reports whether a command is registered under name.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.commands[name]
	return ok
}

// Dispatch runs the packet's command and sends exactly one reply bound to its listener,
// unless the command asks for the socket to be closed.
func (d *Dispatcher) Dispatch(ctx context.Context, c *client.Client, p entity.Packet) {
	cmd, ok := d.commands[p.Cmd]
	if !ok {
		metrics.PacketsTotal.WithLabelValues("unknown").Inc()
		c.SendStatus(errors.Invalid, p.Listener)
		return
	}
	metrics.PacketsTotal.WithLabelValues(cmd.Name).Inc()

	if cmd.AuthRequired && c.Username() == "" {
		c.SendStatus(errors.IDRequired, p.Listener)
		return
	}

	args := Args{}
	if cmd.Params&ParamVal != 0 {
		args.Val = p.Val
	}
	if cmd.Params&ParamListener != 0 {
		args.Listener = p.Listener
	}
	if cmd.Params&ParamID != 0 {
		args.ID = p.ID
	}
	if cmd.Params&ParamName != 0 {
		args.Name = p.Name
	}

	err := safe.Call(func() error {
		return cmd.Handler(ctx, c, args)
	})
	d.reply(ctx, c, cmd.Name, p.Listener, err)
}

func (d *Dispatcher) reply(ctx context.Context, c *client.Client, name, listener string, err error) {
	if err == nil {
		c.SendStatus(errors.OK, listener)
		return
	}
	if stderrors.Is(err, errReplied) {
		return
	}

	logger := d.logger.WithCtx(ctx)
	var kerr errors.KickError
	if stderrors.As(err, &kerr) {
		logger.Warn().Str("cmd", name).Str("reason", kerr.Reason).Msg("Command closed the socket")
		c.Kick(client.CloseGoingAway, kerr.Reason)
		return
	}

	status := errors.StatusOf(err)
	if status == errors.InternalServerError || !status.Known() {
		logger.Error().Stack().Err(pkgerrors.WithStack(err)).Str("cmd", name).Msg("Error occured while running command")
		c.SendStatus(errors.InternalServerError, listener)
		return
	}
	event := logger.Debug().Str("cmd", name).Str("status", string(status))
	if status == errors.Syntax {
		event = event.Interface("details", errors.ValidationDetails(stderrors.Unwrap(err)))
	}
	event.Msg("Command refused")
	c.SendStatus(status, listener)
}
