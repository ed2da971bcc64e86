// Package auth acquires and caches bearer tokens for calls to the
// record-keeping platform.
//
// Two acquisition strategies are supported: a signed-assertion exchange
// (a short-lived RS256 JWT identifying a service principal) and a
// stored-refresh-token exchange. When both are configured the refresh-token
// exchange wins; it is the lower-friction path for local and CI use.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/canopus-hq/docforge/models"
)

// Source names the strategy that produced a token.
type Source string

const SourceAssertion = Source("signed_assertion")
const SourceRefreshToken = Source("refresh_token")

// refreshWindow is how close to expiry a cached token may get before a call
// to Token triggers a proactive refresh.
const refreshWindow = 60 * time.Second

// assertionLifetime bounds the validity of a signed assertion. The token
// endpoint rejects assertions with long expirations, so keep this short.
const assertionLifetime = 3 * time.Minute

const jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// A Token is a cached platform access token.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Source    Source
}

// Config carries the credentials for one or both strategies.
type Config struct {
	TokenURL string
	ClientID string

	// Strategy B: stored refresh credential.
	RefreshToken string

	// Strategy A: PEM-encoded RSA private key and the principal the
	// assertion is issued for.
	PrivateKeyPEM string
	Principal     string
}

// Manager is the process-wide token source. It is safe for concurrent use;
// callers that race into a refresh share one in-flight exchange.
type Manager struct {
	tokenURL     string
	clientID     string
	refreshToken string
	key          *rsa.PrivateKey
	principal    string

	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	cached *Token
	group  singleflight.Group
}

// NewManager validates the configuration and returns a Manager. At least
// one acquisition strategy must be fully configured; failing construction
// here beats failing the first platform call at 3am.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New("auth: no token URL configured")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("auth: no client ID configured")
	}
	m := &Manager{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		refreshToken: cfg.RefreshToken,
		principal:    cfg.Principal,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		now:          time.Now,
	}
	if cfg.PrivateKeyPEM != "" {
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("auth: cannot parse signing key: %w", err)
		}
		if cfg.Principal == "" {
			return nil, errors.New("auth: signed-assertion strategy needs a principal")
		}
		m.key = key
	}
	if m.refreshToken == "" && m.key == nil {
		return nil, errors.New("auth: no token acquisition strategy configured")
	}
	return m, nil
}

// Token returns a bearer token value that is valid for at least another
// refreshWindow. Concurrent callers during a refresh share one exchange.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if t := m.cached; t != nil && m.now().Add(refreshWindow).Before(t.ExpiresAt) {
		m.mu.Unlock()
		return t.Value, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("token", func() (interface{}, error) {
		t, err := m.acquire(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cached = t
		m.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*Token).Value, nil
}

// Invalidate drops the cached token. The Remote Client calls this after a
// 401 so the retried request acquires a fresh one.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
	go metrics.Increment("auth.token.invalidate")
}

// Current returns the cached token for inspection, or nil.
func (m *Manager) Current() *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached
}

func (m *Manager) acquire(ctx context.Context) (*Token, error) {
	start := time.Now()
	var t *Token
	var err error
	// Strategy B takes precedence when both are configured.
	if m.refreshToken != "" {
		t, err = m.exchangeRefreshToken(ctx)
	} else {
		t, err = m.exchangeAssertion(ctx)
	}
	go metrics.Time("auth.token.acquire.latency", time.Since(start))
	if err != nil {
		go metrics.Increment("auth.token.acquire.error")
		return nil, models.NewPipelineError("auth", models.CodeAuthFailed, err)
	}
	go metrics.Increment("auth.token.acquire.success")
	m.logger.Info("acquired platform token",
		zap.String("source", string(t.Source)),
		zap.Time("expires_at", t.ExpiresAt))
	return t, nil
}

func (m *Manager) exchangeRefreshToken(ctx context.Context) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.refreshToken},
		"client_id":     {m.clientID},
	}
	return m.postTokenRequest(ctx, form, SourceRefreshToken)
}

func (m *Manager) exchangeAssertion(ctx context.Context) (*Token, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Issuer:    m.clientID,
		Subject:   m.principal,
		Audience:  jwt.ClaimStrings{m.tokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.key)
	if err != nil {
		return nil, fmt.Errorf("signing assertion: %w", err)
	}
	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	return m.postTokenRequest(ctx, form, SourceAssertion)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (m *Manager) postTokenRequest(ctx context.Context, form url.Values, source Source) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("token endpoint returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access token")
	}
	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn == 0 {
		// Some token endpoints omit expires_in; assume a conservative
		// fifteen minutes so we refresh well before real expiry.
		expiresIn = 15 * time.Minute
	}
	return &Token{
		Value:     tr.AccessToken,
		ExpiresAt: m.now().Add(expiresIn),
		Source:    source,
	}, nil
}
