// Package pending carries an inbound referral code from the first visit to registration.
package pending

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/referrals/internal/referrals"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	DefaultCookieName = "pending_referral_code"
	DefaultCookieTTL  = 30 * 24 * time.Hour
)

// ParseLink extracts the normalised referral code from rawURL and returns the URL without the
// ref parameter. ok is false when the URL carries no usable code.
func ParseLink(rawURL string) (string, string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", rawURL, false
	}
	query := parsed.Query()
	if !query.Has(referrals.ShareLinkParameter) {
		return "", rawURL, false
	}
	code := referrals.NormalizeCode(query.Get(referrals.ShareLinkParameter))
	query.Del(referrals.ShareLinkParameter)
	parsed.RawQuery = query.Encode()
	cleaned := parsed.String()
	if !referrals.IsWellFormedCode(code) {
		return "", cleaned, false
	}
	return code, cleaned, true
}

// CookieStoreConfig describes the pending code cookie.
type CookieStoreConfig struct {
	Name   string
	TTL    time.Duration
	Secure bool
}

// CookieStore keeps at most one pending code per client in an HttpOnly cookie.
type CookieStore struct {
	name   string
	ttl    time.Duration
	secure bool
}

func NewCookieStore(cfg CookieStoreConfig) *CookieStore {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = DefaultCookieName
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCookieTTL
	}
	return &CookieStore{name: name, ttl: ttl, secure: cfg.Secure}
}

// Name returns the cookie name.
func (s *CookieStore) Name() string {
	return s.name
}

// Save replaces any pending code with code.
func (s *CookieStore) Save(w http.ResponseWriter, code string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    code,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Peek returns the pending code without consuming it.
func (s *CookieStore) Peek(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(s.name)
	if err != nil {
		return "", false
	}
	code := referrals.NormalizeCode(cookie.Value)
	if !referrals.IsWellFormedCode(code) {
		return "", false
	}
	return code, true
}

// Clear expires the pending code cookie.
func (s *CookieStore) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// CaptureMiddleware stores the code of a GET request carrying ?ref= and redirects to the same URL
// without it. Replaying the cleaned URL is a no-op.
func CaptureMiddleware(store *CookieStore, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet || !c.Request.URL.Query().Has(referrals.ShareLinkParameter) {
			c.Next()
			return
		}

		code, cleaned, ok := ParseLink(c.Request.URL.RequestURI())
		if ok {
			store.Save(c.Writer, code)
			logger.Debug("pending referral code captured", zap.String("code", code))
		}
		c.Redirect(http.StatusFound, cleaned)
		c.Abort()
	}
}
