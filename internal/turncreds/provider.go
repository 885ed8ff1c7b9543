// Package turncreds resolves the ICE server set for new peer
// connections: fixed STUN servers plus TURN servers with ephemeral
// credentials, cached with a bounded TTL. Credential failures degrade to
// STUN-only; they never block call setup.
package turncreds

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
)

// Credentials is one ephemeral TURN username/password pair.
type Credentials struct {
	Username  string
	Password  string
	ExpiresAt time.Time
}

// CredentialSource obtains fresh TURN credentials.
type CredentialSource interface {
	Fetch(ctx context.Context) (Credentials, error)
}

// Provider yields the ICE server set for a new peer connection.
type Provider interface {
	// ICEServers never fails: when TURN credentials cannot be obtained
	// it returns the STUN-only fallback set.
	ICEServers(ctx context.Context) []webrtc.ICEServer
}

// HTTPSource fetches credentials from an HTTP endpoint returning
// `{"username": ..., "password": ..., "ttl_seconds": ...}`.
type HTTPSource struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewHTTPSource builds a source for the given endpoint. fetchTimeout
// bounds each request.
func NewHTTPSource(url string, fetchTimeout time.Duration) *HTTPSource {
	if fetchTimeout <= 0 {
		fetchTimeout = 3 * time.Second
	}
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: fetchTimeout},
		now:    time.Now,
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("build credential request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("fetch credentials: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("credential endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Username   string `json:"username"`
		Password   string `json:"password"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if body.Username == "" || body.Password == "" {
		return Credentials{}, fmt.Errorf("credential endpoint returned empty pair")
	}
	ttl := time.Duration(body.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return Credentials{
		Username:  body.Username,
		Password:  body.Password,
		ExpiresAt: s.now().Add(ttl),
	}, nil
}

// HMACSource mints ephemeral credentials locally from a shared secret
// using the TURN REST convention: username is "<expiry-unix>:<user>",
// password is base64(HMAC-SHA1(secret, username)). The relay validates
// the same construction.
type HMACSource struct {
	secret []byte
	userID string
	ttl    time.Duration
	now    func() time.Time
}

// NewHMACSource builds a local minting source.
func NewHMACSource(secret, userID string, ttl time.Duration) *HMACSource {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &HMACSource{
		secret: []byte(secret),
		userID: userID,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *HMACSource) Fetch(context.Context) (Credentials, error) {
	expiry := s.now().Add(s.ttl)
	username := fmt.Sprintf("%d:%s", expiry.Unix(), s.userID)
	return Credentials{
		Username:  username,
		Password:  ephemeralPassword(s.secret, username),
		ExpiresAt: expiry,
	}, nil
}

// ephemeralPassword derives the TURN REST password for a username.
func ephemeralPassword(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CachingProvider caches fetched credentials until expiry, bounded by the
// configured TTL. The clock is injectable so expiry is testable.
type CachingProvider struct {
	cfg    config.ICEConfig
	source CredentialSource
	logger calllog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cached *Credentials
}

// NewCachingProvider builds the provider. source may be nil, in which
// case the set is always STUN-only.
func NewCachingProvider(cfg config.ICEConfig, source CredentialSource) *CachingProvider {
	return &CachingProvider{
		cfg:    cfg,
		source: source,
		logger: calllog.L().Named("turncreds"),
		now:    time.Now,
	}
}

// SetClock replaces the cache clock. Test hook.
func (p *CachingProvider) SetClock(now func() time.Time) { p.now = now }

func (p *CachingProvider) stunOnly() []webrtc.ICEServer {
	if len(p.cfg.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: p.cfg.STUNURLs}}
}

func (p *CachingProvider) ICEServers(ctx context.Context) []webrtc.ICEServer {
	if p.source == nil || len(p.cfg.TURNURLs) == 0 {
		return p.stunOnly()
	}

	creds, err := p.credentials(ctx)
	if err != nil {
		p.logger.Warn("TURN credential fetch failed, using STUN only",
			calllog.Error(err))
		return p.stunOnly()
	}

	return append(p.stunOnly(), webrtc.ICEServer{
		URLs:       p.cfg.TURNURLs,
		Username:   creds.Username,
		Credential: creds.Password,
	})
}

func (p *CachingProvider) credentials(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.cached != nil && now.Before(p.cached.ExpiresAt) {
		return *p.cached, nil
	}

	fetchCtx := ctx
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}

	creds, err := p.source.Fetch(fetchCtx)
	if err != nil {
		return Credentials{}, err
	}

	// Cap the cache lifetime at the configured TTL even when the source
	// grants a longer one.
	if p.cfg.CredentialTTL > 0 {
		capped := now.Add(p.cfg.CredentialTTL)
		if creds.ExpiresAt.After(capped) {
			creds.ExpiresAt = capped
		}
	}
	p.cached = &creds
	return creds, nil
}
