// Websocket client helper used by the end-to-end session tests of Relay.

package test

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Time a test waits for one frame.
const frameTimeout = 2 * time.Second

// WSClient is a test socket speaking to a gateway.
type WSClient struct {
	Conn *websocket.Conn
	t    *testing.T
}

// Dial opens a socket on the http(s) base url of a test server.
func Dial(t *testing.T, baseURL, query string, headers http.Header) *WSClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/"
	if query != "" {
		url += "?" + query
	}
	conn, resp, dialerr := websocket.DefaultDialer.Dial(url, headers)
	require.NoError(t, dialerr)
	resp.Body.Close()
	c := &WSClient{Conn: conn, t: t}
	t.Cleanup(func() { conn.Close() })
	return c
}

// Send writes one packet.
func (c *WSClient) Send(packet map[string]interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.Conn.WriteJSON(packet))
}

// SendRaw writes one text frame as is.
func (c *WSClient) SendRaw(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.Conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// Next reads one frame.
func (c *WSClient) Next() string {
	c.t.Helper()
	c.Conn.SetReadDeadline(time.Now().Add(frameTimeout))
	_, data, rerr := c.Conn.ReadMessage()
	require.NoError(c.t, rerr)
	return string(data)
}

// Expect reads one frame and compares it with want.
func (c *WSClient) Expect(want string) {
	c.t.Helper()
	assert.JSONEq(c.t, want, c.Next())
}

// ExpectWhere skips frames until match accepts one, and returns it as read.
func (c *WSClient) ExpectWhere(match func(frame map[string]interface{}) bool) string {
	c.t.Helper()
	for {
		raw := c.Next()
		var frame map[string]interface{}
		require.NoError(c.t, json.Unmarshal([]byte(raw), &frame))
		if match(frame) {
			return raw
		}
	}
}

// ExpectCmd skips frames until one carries cmd, and returns it decoded.
func (c *WSClient) ExpectCmd(cmd string) map[string]interface{} {
	c.t.Helper()
	raw := c.ExpectWhere(func(frame map[string]interface{}) bool { return frame["cmd"] == cmd })
	var frame map[string]interface{}
	require.NoError(c.t, json.Unmarshal([]byte(raw), &frame))
	return frame
}

// ExpectStatus skips frames until a statuscode reply bound to listener arrives, and returns its body.
func (c *WSClient) ExpectStatus(listener string) string {
	c.t.Helper()
	raw := c.ExpectWhere(func(frame map[string]interface{}) bool {
		l, _ := frame["listener"].(string)
		return frame["cmd"] == "statuscode" && l == listener
	})
	var frame struct {
		Val string `json:"val"`
	}
	require.NoError(c.t, json.Unmarshal([]byte(raw), &frame))
	return frame.Val
}

// ExpectClosed reads until the gateway closes the socket and returns the close code.
func (c *WSClient) ExpectClosed() int {
	c.t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for {
		c.Conn.SetReadDeadline(deadline)
		_, _, rerr := c.Conn.ReadMessage()
		if rerr == nil {
			continue
		}
		if cerr, ok := rerr.(*websocket.CloseError); ok {
			return cerr.Code
		}
		require.Fail(c.t, "socket was not closed", rerr.Error())
		return 0
	}
}
