package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kairosdev/kairos/internal/logging"
)

// jwksCache fetches and caches issuer signing keys. Discovery follows the
// OIDC metadata document; keys are cached per issuer with a TTL so key
// rotation is picked up without a restart.
type jwksCache struct {
	ttl    time.Duration
	client *http.Client

	mu      sync.RWMutex
	issuers map[string]*issuerKeys
}

type issuerKeys struct {
	keys      map[string]*rsa.PublicKey // by kid
	fetchedAt time.Time
}

func newJWKSCache(ttl time.Duration) *jwksCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &jwksCache{
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
		issuers: make(map[string]*issuerKeys),
	}
}

// Key returns the RSA public key for (issuer, kid), refetching the issuer's
// key set when the cache is stale or the kid is unknown.
func (c *jwksCache) Key(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	cached := c.issuers[issuer]
	c.mu.RUnlock()

	if cached != nil && time.Since(cached.fetchedAt) < c.ttl {
		if key, ok := cached.keys[kid]; ok {
			return key, nil
		}
	}

	keys, err := c.fetch(ctx, issuer)
	if err != nil {
		// Serve a stale hit rather than failing every request on a
		// transient discovery outage.
		if cached != nil {
			if key, ok := cached.keys[kid]; ok {
				logging.Get(logging.CategoryAuth).Warn("jwks refresh for %s failed, serving stale key: %v", issuer, err)
				return key, nil
			}
		}
		return nil, err
	}

	c.mu.Lock()
	c.issuers[issuer] = &issuerKeys{keys: keys, fetchedAt: time.Now()}
	c.mu.Unlock()

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("issuer %s has no signing key %q", issuer, kid)
	}
	return key, nil
}

func (c *jwksCache) fetch(ctx context.Context, issuer string) (map[string]*rsa.PublicKey, error) {
	jwksURI, err := c.discoverJWKSURI(ctx, issuer)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks from %s: %w", jwksURI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint %s returned %d", jwksURI, resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse jwks document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaKey(k.N, k.E)
		if err != nil {
			logging.Get(logging.CategoryAuth).Warn("skipping unparseable jwk %s from %s: %v", k.Kid, issuer, err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("issuer %s published no usable RSA signing keys", issuer)
	}
	return keys, nil
}

func (c *jwksCache) discoverJWKSURI(ctx context.Context, issuer string) (string, error) {
	metaURL := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oidc discovery for %s failed: %w", issuer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oidc discovery for %s returned %d", issuer, resp.StatusCode)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("bad oidc discovery document from %s: %w", issuer, err)
	}
	if meta.JWKSURI == "" {
		return "", fmt.Errorf("oidc discovery document from %s has no jwks_uri", issuer)
	}
	return meta.JWKSURI, nil
}

func rsaKey(n64, e64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n64)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e64)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("non-positive exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
