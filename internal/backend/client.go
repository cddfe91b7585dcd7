// REST proxy towards the Relay backend. Every call carries the internal identity headers.

package backend

import (
	"Relay/internal/errors"
	"Relay/internal/metrics"
	"Relay/pkg/log"
	"Relay/pkg/middlewares"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/xid"
)

// Internal identity headers understood by the backend.
const (
	HeaderToken    = "X-Internal-Token"
	HeaderIP       = "X-Internal-Ip"
	HeaderUsername = "X-Internal-Username"
	// Session token of the caller on token checks
	HeaderSession = "token"
)

// Identity of the caller a request is made on behalf of.
// Username is empty for anonymous connections and admin calls.
type Identity struct {
	IP       string
	Username string
}

// Request describes one backend call.
type Request struct {
	Method   string
	Path     string
	Body     interface{}
	Identity Identity
	Headers  map[string]string
}

// Document is a decoded JSON object returned by the backend.
type Document map[string]interface{}

// Error body of the backend.
type apiError struct {
	Error bool   `json:"error"`
	Type  string `json:"type"`
}

// Client is safe for concurrent use, its transport pools connections.
type Client struct {
	http   *resty.Client
	logger log.Logger
}

// New builds a backend client for baseURL authenticating with the shared internal token.
func New(baseURL, internalToken string, timeout time.Duration, logger log.Logger) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader(HeaderToken, internalToken).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: rc, logger: logger}
}

// Do executes req and decodes the response document.
// Backend error bodies are mapped to wire statuses, transport failures to InternalServerError.
func (c *Client) Do(ctx context.Context, req Request) (Document, error) {
	var doc Document
	var apiErr apiError
	r := c.http.R().
		SetContext(ctx).
		SetHeader(middlewares.CorrelationHeader, correlationID(ctx)).
		SetHeader(HeaderIP, req.Identity.IP).
		SetResult(&doc).
		SetError(&apiErr)
	if req.Identity.Username != "" {
		r.SetHeader(HeaderUsername, req.Identity.Username)
	}
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	start := time.Now()
	resp, err := r.Execute(req.Method, req.Path)
	if err != nil {
		metrics.BackendLatency.WithLabelValues(req.Method, "transport").Observe(time.Since(start).Seconds())
		c.logger.WithCtx(ctx).Error().Err(err).Str("method", req.Method).Str("path", req.Path).Msg("Backend call failed")
		return nil, errors.Wrap(errors.InternalServerError, pkgerrors.Wrapf(err, "%s %s", req.Method, req.Path))
	}

	if resp.IsError() || apiErr.Error || isErrorDoc(doc) {
		kind := apiErr.Type
		if kind == "" {
			kind, _ = doc["type"].(string)
		}
		metrics.BackendLatency.WithLabelValues(req.Method, "error").Observe(time.Since(start).Seconds())
		c.logger.WithCtx(ctx).Debug().Int("status", resp.StatusCode()).Str("type", kind).Str("path", req.Path).Msg("Backend replied with an error")
		return nil, errors.FromBackendType(kind)
	}
	metrics.BackendLatency.WithLabelValues(req.Method, "ok").Observe(time.Since(start).Seconds())
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

func isErrorDoc(doc Document) bool {
	flag, _ := doc["error"].(bool)
	return flag
}

// Backend calls reuse the request id of the caller when there is one.
func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(log.ReqIDKey).(string); ok && id != "" {
		return id
	}
	return xid.New().String()
}

func get(path string, id Identity) Request {
	return Request{Method: http.MethodGet, Path: path, Identity: id}
}
