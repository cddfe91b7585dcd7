// v0 envelope rewrite table. One entry per event kind with a bespoke legacy shape.

package codec

import (
	"encoding/json"
)

// Home feed / live chat identifiers used by the legacy dialect.
const (
	homeOrigin   = "home"
	livechatID   = "livechat"
	typingHome   = 101
	typingChat   = 100
	postHomeMode = 1
	postChatMode = 2
)

type rewriteFunc func(cmd string, val map[string]interface{}) interface{}

// Events whose v0 body is not the generic {mode, payload}.
var v0Rewrites = map[string]rewriteFunc{
	"post":        rewritePost,
	"update_post": rewritePost,
	"typing":      rewriteTyping,
	"delete_chat": rewriteDelete("chat_id"),
	"delete_post": rewriteDelete("post_id"),
}

// RewriteV0 returns the body placed under cmd "direct" for a v0 client.
func RewriteV0(cmd string, val interface{}) interface{} {
	if rewrite, ok := v0Rewrites[cmd]; ok {
		if m, ok := asMap(val); ok {
			return rewrite(cmd, m)
		}
	}
	return map[string]interface{}{"mode": cmd, "payload": val}
}

// Home posts carry mode 1, chat posts state 2. Keys present in the post win.
func rewritePost(_ string, val map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(val)+1)
	if val["post_origin"] == homeOrigin {
		out["mode"] = postHomeMode
	} else {
		out["state"] = postChatMode
	}
	for k, v := range val {
		out[k] = v
	}
	return out
}

func rewriteTyping(_ string, val map[string]interface{}) interface{} {
	if val["chat_id"] == homeOrigin {
		return map[string]interface{}{"state": typingHome, "chatid": livechatID, "u": val["username"]}
	}
	return map[string]interface{}{"state": typingChat, "chatid": val["chat_id"], "u": val["username"]}
}

func rewriteDelete(idKey string) rewriteFunc {
	return func(_ string, val map[string]interface{}) interface{} {
		return map[string]interface{}{"mode": "delete", "id": val[idKey]}
	}
}

// asMap views val as a JSON object. Structs and named map types go through a json round trip.
func asMap(val interface{}) (map[string]interface{}, bool) {
	switch v := val.(type) {
	case nil:
		return nil, false
	case map[string]interface{}:
		return v, true
	}
	data, jsonerr := json.Marshal(val)
	if jsonerr != nil {
		return nil, false
	}
	var m map[string]interface{}
	if json.Unmarshal(data, &m) != nil || m == nil {
		return nil, false
	}
	return m, true
}
