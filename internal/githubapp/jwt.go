// Package githubapp is the reference AccessTokenProvider implementation
// (SPEC_FULL.md §6): it mints a GitHub App JWT, exchanges it for an
// installation access token, and caches the result until shortly before
// expiry.
//
// Adapted from agentium's internal/github package (jwt.go, token.go,
// token_manager.go), with its ad-hoc nowFunc swapped for this module's
// shared clock.Clock seam so tests compose with the rest of the orchestrator.
package githubapp

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	pkgerrors "github.com/pkg/errors"

	"github.com/forgeflow/orchestrator/internal/clock"
)

// jwtTTL is the validity window for the App-level JWT; the forge rejects
// anything longer than 10 minutes.
const jwtTTL = 10 * time.Minute

// refreshBuffer is how long before expiry a cached installation token is
// considered stale and proactively refreshed.
const refreshBuffer = 5 * time.Minute

// JWTGenerator mints RS256 GitHub App JWTs from a PEM private key.
type JWTGenerator struct {
	appID      string
	privateKey *rsa.PrivateKey
	clock      clock.Clock
}

// NewJWTGenerator parses privateKeyPEM and returns a generator for appID.
func NewJWTGenerator(appID string, privateKeyPEM []byte, c clock.Clock) (*JWTGenerator, error) {
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse github app private key")
	}
	return &JWTGenerator{appID: appID, privateKey: key, clock: c}, nil
}

// GenerateToken mints a JWT valid for jwtTTL.
func (g *JWTGenerator) GenerateToken() (string, error) {
	now := g.clock.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    g.appID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(g.privateKey)
	if err != nil {
		return "", pkgerrors.Wrap(err, "sign github app jwt")
	}
	return signed, nil
}

func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// InstallationToken is a forge installation access token and its expiry.
type InstallationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenExchanger exchanges an App JWT for an installation access token.
type TokenExchanger struct {
	httpClient *http.Client
	baseURL    string
}

// ExchangerOption configures a TokenExchanger.
type ExchangerOption func(*TokenExchanger)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) ExchangerOption {
	return func(t *TokenExchanger) { t.httpClient = c }
}

// WithBaseURL overrides the forge API base URL, for tests.
func WithBaseURL(url string) ExchangerOption {
	return func(t *TokenExchanger) { t.baseURL = url }
}

// NewTokenExchanger returns a TokenExchanger pointed at the public forge
// API unless overridden.
func NewTokenExchanger(opts ...ExchangerOption) *TokenExchanger {
	t := &TokenExchanger{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://api.github.com",
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// ExchangeToken trades a signed App JWT for an installation access token.
func (t *TokenExchanger) ExchangeToken(jwt string, installationID int64) (*InstallationToken, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", t.baseURL, installationID)

	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "build token exchange request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "exchange github app token")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read token exchange response")
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, parseAPIError(resp.StatusCode, body)
	}

	var token InstallationToken
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, pkgerrors.Wrap(err, "decode token exchange response")
	}
	return &token, nil
}

type apiError struct {
	Message string `json:"message"`
}

func parseAPIError(statusCode int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return fmt.Errorf("github app token exchange failed (status %d): %s", statusCode, string(body))
	}
	return fmt.Errorf("github app token exchange failed (status %d): %s", statusCode, apiErr.Message)
}

// Provider is the reference AccessTokenProvider: it mints and caches a
// single installation's access token, refreshing shortly before expiry.
// A production deployment with multiple installations would key a map of
// these by installation ID; this orchestrator targets one repository's
// installation at a time (SPEC_FULL.md §6).
type Provider struct {
	mu sync.RWMutex

	installationID int64
	generator      *JWTGenerator
	exchanger      *TokenExchanger
	clock          clock.Clock

	token     string
	expiresAt time.Time
}

// NewProvider constructs a Provider for one GitHub App installation.
func NewProvider(appID string, installationID int64, privateKeyPEM []byte, c clock.Clock, opts ...ExchangerOption) (*Provider, error) {
	if installationID <= 0 {
		return nil, fmt.Errorf("installation ID must be positive")
	}
	gen, err := NewJWTGenerator(appID, privateKeyPEM, c)
	if err != nil {
		return nil, err
	}
	return &Provider{
		installationID: installationID,
		generator:      gen,
		exchanger:      NewTokenExchanger(opts...),
		clock:          c,
	}, nil
}

// Token returns a valid installation access token, refreshing it first if
// it is missing or within refreshBuffer of expiring.
func (p *Provider) Token() (string, error) {
	p.mu.RLock()
	if p.isValidLocked() {
		token := p.token
		p.mu.RUnlock()
		return token, nil
	}
	p.mu.RUnlock()
	return p.refresh()
}

func (p *Provider) refresh() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	signedJWT, err := p.generator.GenerateToken()
	if err != nil {
		return "", err
	}
	installToken, err := p.exchanger.ExchangeToken(signedJWT, p.installationID)
	if err != nil {
		return "", pkgerrors.Wrap(err, "refresh installation token")
	}
	p.token = installToken.Token
	p.expiresAt = installToken.ExpiresAt
	return p.token, nil
}

func (p *Provider) isValidLocked() bool {
	if p.token == "" {
		return false
	}
	return p.expiresAt.After(p.clock.Now().Add(refreshBuffer))
}
