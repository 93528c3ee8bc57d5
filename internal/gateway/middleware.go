package gateway

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/axismundi/amallo/internal/keystore"
)

// Error kinds carried in every error body.
const (
	KindUnauthorized       = "unauthorized"
	KindValidation         = "validation"
	KindNotFound           = "not_found"
	KindBackendUnavailable = "backend_unavailable"
	KindTransport          = "transport"
	KindInternal           = "internal"
)

const recordKey = "amallo.record"

const keyHint = `POST /amallo/keys/create with {"identity":"yourname"} to get a sovereign key`

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Hint  string `json:"hint,omitempty"`
}

func abortError(c *gin.Context, status int, kind, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Error: msg, Kind: kind})
}

func abortHint(c *gin.Context, status int, kind, msg, hint string) {
	c.AbortWithStatusJSON(status, errorBody{Error: msg, Kind: kind, Hint: hint})
}

// recovery converts handler panics into an internal error body. The panic
// value is logged, never returned.
func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Printf("gateway: panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		abortError(c, http.StatusInternalServerError, KindInternal, "internal error")
	})
}

// requestLogger writes one line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("gateway: %s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// cors marks every response as cross-origin readable and answers preflight
// requests for any path.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization,Content-Type")
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// requireKey rejects requests without a valid bearer key and stores the
// key's record on the context.
func (s *Server) requireKey(hint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, ok := s.keys.Validate(c.GetHeader("Authorization"))
		if !ok {
			abortHint(c, http.StatusUnauthorized, KindUnauthorized, "unauthorized", hint)
			return
		}
		c.Set(recordKey, rec)
		c.Next()
	}
}

// requireMaster must follow requireKey.
func requireMaster() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !operator(c).IsMaster() {
			abortError(c, http.StatusUnauthorized, KindUnauthorized, "master key required")
			return
		}
		c.Next()
	}
}

// operator returns the record stored by requireKey, or the zero Record.
func operator(c *gin.Context) keystore.Record {
	v, ok := c.Get(recordKey)
	if !ok {
		return keystore.Record{}
	}
	rec, _ := v.(keystore.Record)
	return rec
}
