// Wire codec of Relay: frame parsing, packet shape validation and two-version envelope translation.

package codec

import (
	"Relay/internal/entity"
	"Relay/internal/errors"
	"bytes"
	"encoding/json"

	pkgerrors "github.com/pkg/errors"
)

// Legacy typing command, dropped silently when received wrapped in direct.
const legacyTyping = "type"

// Decode parses one client frame. Unknown extra fields are ignored.
// Every shape failure is reported as Syntax.
func Decode(data []byte) (entity.Packet, error) {
	var raw map[string]json.RawMessage
	if jsonerr := json.Unmarshal(data, &raw); jsonerr != nil || raw == nil {
		return entity.Packet{}, errors.Wrap(errors.Syntax, pkgerrors.New("frame is not a json object"))
	}
	cmdRaw, hasCmd := raw["cmd"]
	valRaw, hasVal := raw["val"]
	if !hasCmd || !hasVal {
		return entity.Packet{}, errors.Wrap(errors.Syntax, pkgerrors.New("cmd or val missing"))
	}

	var p entity.Packet
	if jsonerr := json.Unmarshal(cmdRaw, &p.Cmd); jsonerr != nil || bytes.Equal(bytes.TrimSpace(cmdRaw), []byte("null")) {
		return entity.Packet{}, errors.Wrap(errors.Syntax, pkgerrors.New("cmd is not a string"))
	}
	if jsonerr := json.Unmarshal(valRaw, &p.Val); jsonerr != nil {
		return entity.Packet{}, errors.Wrap(errors.Syntax, jsonerr)
	}
	p.ID = optionalString(raw["id"])
	p.Name = optionalString(raw["name"])
	p.Origin = optionalString(raw["origin"])
	p.Listener = listenerString(raw["listener"])
	return p, nil
}

// Unwrap promotes the inner cmd/val pair of a direct wrapper.
// drop is true for legacy typing packets, those must be ignored without a reply.
func Unwrap(p entity.Packet) (out entity.Packet, drop bool) {
	if p.Cmd != entity.CmdDirect {
		return p, false
	}
	inner, ok := p.Val.(map[string]interface{})
	if !ok {
		return p, false
	}
	cmd, ok := inner["cmd"].(string)
	if !ok {
		return p, false
	}
	val, ok := inner["val"]
	if !ok {
		return p, false
	}
	if cmd == legacyTyping {
		return p, true
	}
	out = p
	out.Cmd, out.Val = cmd, val
	if id, ok := inner["id"].(string); ok && out.ID == "" {
		out.ID = id
	}
	if name, ok := inner["name"].(string); ok && out.Name == "" {
		out.Name = name
	}
	return out, false
}

// Encode serializes an event or reply for a connection speaking the given version.
func Encode(version int, cmd string, val interface{}, extra map[string]interface{}) ([]byte, error) {
	frame := Frame(version, cmd, val, extra)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// Posts and chat content carry user text, keep it readable for legacy clients.
	enc.SetEscapeHTML(false)
	if jsonerr := enc.Encode(frame); jsonerr != nil {
		return nil, pkgerrors.Wrapf(jsonerr, "encode %s frame", cmd)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// EncodeStatus serializes a statuscode reply, identical for both versions.
func EncodeStatus(status errors.Status, listener string) []byte {
	var extra map[string]interface{}
	if listener != "" {
		extra = map[string]interface{}{"listener": listener}
	}
	data, _ := Encode(entity.ProtoV1, entity.CmdStatus, status.Code(), extra)
	return data
}

// Frame builds the outbound object before serialization.
func Frame(version int, cmd string, val interface{}, extra map[string]interface{}) map[string]interface{} {
	if version == entity.ProtoV0 && !IsRoot(cmd) {
		return spread(map[string]interface{}{"cmd": entity.CmdDirect, "val": RewriteV0(cmd, val)}, extra)
	}
	return spread(map[string]interface{}{"cmd": cmd, "val": val}, extra)
}

// IsRoot reports whether cmd is emitted top-level to v0 clients.
func IsRoot(cmd string) bool {
	switch cmd {
	case entity.CmdStatus, entity.CmdUlist, entity.CmdPmsg, entity.CmdPvar:
		return true
	}
	return false
}

// spread copies extra over base, later keys win.
func spread(base map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func optionalString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// Listeners are opaque, numeric ones are echoed in their textual form.
func listenerString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}
