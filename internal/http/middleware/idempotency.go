// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency for unsafe HTTP methods (POST). A client
// retrying a request with the same X-Idempotency-Key must observe the first
// request's response, not a second execution. The middleware validates the
// key, fingerprints the body, and drives the idempotency guard around the
// handler:
//
//   - first arrival: the guard claims the key, the handler runs, and a 2xx
//     response is captured and stored for replay. Non-2xx responses release
//     the key so a later retry starts fresh.
//   - retry after completion: the stored response is served verbatim with
//     X-Idempotency-Replay: true, bypassing the rate limiter and the handler.
//   - concurrent duplicate: 409 with code "in_progress" and a Retry-After
//     hint; the client retries once the first request settles.
//   - same key, different body: 409 with code "idempotency_conflict". This is
//     a client bug and is never retried into an execution.
//
// Requests without the header pass through untouched.
package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-reliability-backend/internal/services"
)

// HeaderIdempotencyKey is the request header clients use to convey an
// idempotency key for unsafe operations. The value must be stable for a given
// semantic operation so retries deduplicate.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// HeaderIdempotencyReplay marks responses served from a stored result.
const HeaderIdempotencyReplay = "X-Idempotency-Replay"

// Context keys used internally to stash idempotency state.
const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: true when a stored replay was served
	ctxKeyRateBypass = "rate.bypass" // bool: true to skip rate limiting
)

// maxBodyBuffer caps how much of a request body is buffered for hashing.
const maxBodyBuffer = 1 << 20

// keyPattern is an RFC-7230-ish token plus common safe characters.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the validated idempotency key stored in the Gin
// context. The second return value indicates presence.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether this request was served from a stored result.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures the Idempotency middleware.
type IdempotencyOptions struct {
	// MaxKeyLen caps the accepted key length. Values <= 0 default to 200.
	MaxKeyLen int
	// Methods lists the HTTP methods guarded. Defaults to POST only.
	Methods []string
}

// storedResponse is the envelope persisted as the guard's result so a replay
// reproduces the original status line and body.
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// captureWriter tees the response body so a 2xx outcome can be stored for
// replay without changing what the client sees.
type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency returns a Gin middleware that makes guarded endpoints
// exactly-once from the client's point of view, backed by the given guard.
//
// The guard key scope is "http:<METHOD>:<route>", so the same client key may
// be reused across different endpoints without colliding.
func Idempotency(guard *services.IdempotencyService, opts IdempotencyOptions) gin.HandlerFunc {
	maxLen := opts.MaxKeyLen
	if maxLen <= 0 {
		maxLen = 200
	}
	methods := opts.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodPost}
	}
	guarded := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		guarded[m] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := guarded[c.Request.Method]; !ok {
			c.Next()
			return
		}
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !keyPattern.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "bad_idempotency_key",
				"message":    "invalid " + HeaderIdempotencyKey,
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		// Buffer the body for hashing, then hand a fresh reader downstream.
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBuffer))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "bad_request",
				"message":    "unreadable request body",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		scope := "http:" + c.Request.Method + ":" + c.FullPath()
		hash := services.HashRequest(body)
		ctx := c.Request.Context()

		res, err := guard.BeginProcessing(ctx, scope, key, hash)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "internal_error",
				"message":    "idempotency check failed",
			})
			return
		}

		switch res.State {
		case services.CheckReplay:
			c.Set(ctxKeyIdemReplay, true)
			c.Set(ctxKeyRateBypass, true)
			serveStored(c, res.Record.Result)
			return

		case services.CheckInProgress:
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "in_progress",
				"message":    "request with this idempotency key is still processing",
			})
			return

		case services.CheckConflict:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "idempotency_conflict",
				"message":    "idempotency key was already used with a different request body",
			})
			return
		}

		// Claimed the key: run the handler with the response teed for capture.
		cw := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = cw
		c.Next()
		c.Writer = cw.ResponseWriter

		status := cw.Status()
		if status >= 200 && status < 300 {
			env, mErr := json.Marshal(storedResponse{Status: status, Body: rawBody(cw.buf.Bytes())})
			if mErr == nil {
				mErr = guard.CompleteProcessing(ctx, scope, key, env)
			}
			if mErr != nil {
				// The operation succeeded but the result cannot be replayed;
				// release so a retry re-executes rather than hanging on a
				// processing record that will never complete.
				_ = guard.Release(ctx, scope, key)
			}
			return
		}
		// Handler failed: free the key so the client's retry starts fresh.
		_ = guard.Release(ctx, scope, key)
	}
}

// serveStored writes a stored response envelope back to the client.
func serveStored(c *gin.Context, stored []byte) {
	var env storedResponse
	if err := json.Unmarshal(stored, &env); err != nil || env.Status == 0 {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "internal_error",
			"message":    "stored response is unreadable",
		})
		return
	}
	c.Header(HeaderIdempotencyReplay, "true")
	if len(env.Body) > 0 {
		c.Data(env.Status, "application/json", env.Body)
	} else {
		c.Status(env.Status)
	}
	c.Abort()
}

// rawBody wraps captured bytes as JSON when they are JSON, otherwise encodes
// them as a JSON string so the envelope always marshals.
func rawBody(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return nil
	}
	return json.RawMessage(quoted)
}
