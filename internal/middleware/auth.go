package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"publisher-sync/internal/models"
	"publisher-sync/internal/observability/metrics"
	"publisher-sync/internal/registry"

	"github.com/gin-gonic/gin"
)

const (
	HeaderDeviceID  = "X-Device-Id"
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

const deviceKey = "authDevice"

// DeviceFromContext returns the device resolved by the Guard, or nil.
func DeviceFromContext(c *gin.Context) *models.Device {
	if v, ok := c.Get(deviceKey); ok {
		if d, ok := v.(*models.Device); ok {
			return d
		}
	}
	return nil
}

// Route describes what a guarded endpoint accepts.
type Route struct {
	Methods    []string
	Roles      []models.Role
	Permission string
}

// Guard authenticates signed device requests against the registry.
type Guard struct {
	registry  *registry.Registry
	tolerance time.Duration
	log       *slog.Logger
	now       func() time.Time
}

func NewGuard(reg *registry.Registry, tolerance time.Duration, log *slog.Logger) *Guard {
	return &Guard{registry: reg, tolerance: tolerance, log: log, now: time.Now}
}

// Require returns middleware enforcing the route contract. Structural checks
// run before any registry lookup or HMAC work so malformed requests are
// rejected cheaply.
func (g *Guard) Require(route Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !methodAllowed(route.Methods, c.Request.Method) {
			g.deny(c, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		deviceID := strings.TrimSpace(c.GetHeader(HeaderDeviceID))
		key := credentialFrom(c)
		if deviceID == "" || key == "" {
			g.deny(c, http.StatusUnauthorized, "missing credentials")
			return
		}

		tsHeader := strings.TrimSpace(c.GetHeader(HeaderTimestamp))
		ts, ok := parseTimestamp(tsHeader)
		if !ok || absDuration(g.now().Sub(ts)) > g.tolerance {
			g.deny(c, http.StatusUnauthorized, "invalid or expired timestamp")
			return
		}

		sig := strings.TrimSpace(c.GetHeader(HeaderSignature))
		if sig == "" {
			g.deny(c, http.StatusUnauthorized, "missing signature")
			return
		}

		dev := g.registry.Find(deviceID)
		if dev == nil {
			g.deny(c, http.StatusForbidden, "unknown device")
			return
		}
		if dev.Status != models.DeviceActive || dev.RevokedAt != nil {
			g.deny(c, http.StatusForbidden, "device revoked")
			return
		}
		if !roleAllowed(route.Roles, dev.Role) {
			g.deny(c, http.StatusForbidden, "forbidden")
			return
		}
		if route.Permission != "" && !dev.HasPermission(route.Permission) {
			g.deny(c, http.StatusForbidden, "forbidden")
			return
		}

		keyHash := HashKey(key)
		if subtle.ConstantTimeCompare([]byte(keyHash), []byte(dev.KeyHash)) != 1 {
			g.deny(c, http.StatusForbidden, "invalid key")
			return
		}

		expected := Sign(c.Request.Method, c.Request.URL.RequestURI(), tsHeader, dev.KeyHash)
		if !hmac.Equal([]byte(sig), []byte(expected)) {
			g.deny(c, http.StatusForbidden, "invalid signature")
			return
		}

		metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
		c.Set(deviceKey, dev)
		c.Header(HeaderDeviceID, dev.ID)
		c.Next()
	}
}

func (g *Guard) deny(c *gin.Context, status int, msg string) {
	metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
	g.log.Warn("auth rejected",
		"status", status,
		"reason", msg,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"device_id", c.GetHeader(HeaderDeviceID))
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// HashKey returns the SHA-256 hex digest of a raw device credential. The
// registry stores this digest, and it doubles as the HMAC signing key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Sign computes the request signature: HMAC-SHA256 over
// "METHOD\nPATH+QUERY\nTIMESTAMP", keyed with the hashed credential.
func Sign(method, requestURI, timestamp, keyHash string) string {
	mac := hmac.New(sha256.New, []byte(keyHash))
	mac.Write([]byte(method + "\n" + requestURI + "\n" + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

func credentialFrom(c *gin.Context) string {
	if k := strings.TrimSpace(c.GetHeader(HeaderAPIKey)); k != "" {
		return k
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// parseTimestamp accepts RFC3339 or an integer epoch (seconds or
// milliseconds, by magnitude); both client generations are in the field.
func parseTimestamp(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(n), true
	}
	return time.Unix(n, 0), true
}

func methodAllowed(allowed []string, method string) bool {
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func roleAllowed(roles []models.Role, role models.Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
