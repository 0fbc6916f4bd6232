// Package auth validates OAuth bearer tokens against trusted issuers and
// turns verified claims into a tenant identity. Tokens are verified offline
// against the issuer's published signing keys; no introspection round trip.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/kairosdev/kairos/internal/config"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/tenant"
)

// Validator verifies bearer tokens for the configured trusted issuers.
type Validator struct {
	cfg      config.AuthConfig
	appSpace string
	jwks     *jwksCache
	trusted  map[string]bool
}

// NewValidator builds a validator. Trusted issuers are normalized so that
// localhost and 127.0.0.1 forms of the same issuer match either way; dev
// setups routinely mix the two.
func NewValidator(cfg config.AuthConfig, appSpaceID string) *Validator {
	trusted := make(map[string]bool, len(cfg.TrustedIssuers)*2)
	for _, iss := range cfg.TrustedIssuers {
		trusted[normalizeIssuer(iss)] = true
	}
	return &Validator{
		cfg:      cfg,
		appSpace: appSpaceID,
		jwks:     newJWKSCache(cfg.JWKSCacheTTL),
		trusted:  trusted,
	}
}

type claims struct {
	jwt.RegisteredClaims
	Groups []string `json:"groups,omitempty"`
	Scope  string   `json:"scope,omitempty"`
}

// Validate verifies a raw bearer token and returns the identity it asserts.
func (v *Validator) Validate(ctx context.Context, raw string) (*tenant.Identity, error) {
	var cl claims
	token, err := jwt.ParseWithClaims(raw, &cl, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		iss := cl.Issuer
		if !v.trusted[normalizeIssuer(iss)] {
			return nil, fmt.Errorf("issuer %q is not trusted", iss)
		}
		kid, _ := t.Header["kid"].(string)
		return v.jwks.Key(ctx, iss, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if cl.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	if len(v.cfg.AllowedAudiences) > 0 && !audienceAllowed(cl.Audience, v.cfg.AllowedAudiences) {
		return nil, fmt.Errorf("token audience %v is not allowed", []string(cl.Audience))
	}

	return &tenant.Identity{
		Subject: cl.Subject,
		Realm:   realmFromIssuer(cl.Issuer),
		Groups:  cl.Groups,
	}, nil
}

// Middleware authenticates requests and attaches the derived space context.
// Requests without a usable token still pass through with a fail-closed
// context; the data layer rejects them with AUTH_REQUIRED. Discovery and
// health endpoints therefore need no allowlist here.
func (v *Validator) Middleware(publicURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id *tenant.Identity
			if raw := bearerToken(r); raw != "" {
				var err error
				id, err = v.Validate(r.Context(), raw)
				if err != nil {
					logging.Get(logging.CategoryAuth).Debug("rejected token: %v", err)
					writeChallenge(w, publicURL, v.cfg.Scopes)
					return
				}
			}
			sc := tenant.Derive(id, v.cfg.Enabled, v.appSpace)
			next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), sc)))
		})
	}
}

// WriteChallenge emits the 401 bearer challenge pointing clients at the
// protected resource metadata document.
func WriteChallenge(w http.ResponseWriter, publicURL string, scopes []string) {
	writeChallenge(w, publicURL, scopes)
}

func writeChallenge(w http.ResponseWriter, publicURL string, scopes []string) {
	meta := strings.TrimRight(publicURL, "/") + "/.well-known/oauth-protected-resource"
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer resource_metadata=%q, scope=%q`, meta, strings.Join(scopes, " ")))
	http.Error(w, "authentication required", http.StatusUnauthorized)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// normalizeIssuer canonicalizes the loopback host so localhost and 127.0.0.1
// issuers compare equal, and strips any trailing slash.
func normalizeIssuer(issuer string) string {
	issuer = strings.TrimRight(issuer, "/")
	u, err := url.Parse(issuer)
	if err != nil {
		return issuer
	}
	host := u.Hostname()
	if host == "localhost" {
		port := u.Port()
		if port != "" {
			u.Host = "127.0.0.1:" + port
		} else {
			u.Host = "127.0.0.1"
		}
		return u.String()
	}
	return issuer
}

// realmFromIssuer extracts the realm segment of a Keycloak-style issuer URL
// (.../realms/{realm}); other issuers use their hostname as the realm.
func realmFromIssuer(issuer string) string {
	u, err := url.Parse(issuer)
	if err != nil {
		return issuer
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "realms" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return u.Hostname()
}

func audienceAllowed(aud jwt.ClaimStrings, allowed []string) bool {
	for _, a := range aud {
		for _, want := range allowed {
			if a == want {
				return true
			}
		}
	}
	return false
}
