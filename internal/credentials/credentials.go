// Package credentials provides bearer tokens for upstream capabilities.
package credentials

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken        = errors.New("no credential token configured")
	ErrExchangeFailed = errors.New("token exchange failed")
)

// TokenSource returns a currently valid bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// ServiceAccountKey is the JSON key file issued for a service account.
type ServiceAccountKey struct {
	ID               string `json:"id"`
	ServiceAccountID string `json:"service_account_id"`
	PrivateKey       string `json:"private_key"`
}

func LoadServiceAccountKey(path string) (ServiceAccountKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccountKey{}, fmt.Errorf("read service account key: %w", err)
	}
	var key ServiceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return ServiceAccountKey{}, fmt.Errorf("decode service account key: %w", err)
	}
	if key.ID == "" || key.ServiceAccountID == "" || key.PrivateKey == "" {
		return ServiceAccountKey{}, fmt.Errorf("service account key %s is missing id, service_account_id or private_key", path)
	}
	return key, nil
}

type ServiceAccountConfig struct {
	Key         ServiceAccountKey
	ExchangeURL string
	HTTPClient  *http.Client
	Now         func() time.Time
	// RefreshBefore is how long before expiry a cached token is replaced.
	RefreshBefore time.Duration
	// AssertionTTL is the lifetime of the signed JWT sent to the exchange.
	AssertionTTL time.Duration
}

// ServiceAccountSource exchanges a PS256-signed JWT for an access token and
// caches it until shortly before it expires. Concurrent callers share one
// exchange.
type ServiceAccountSource struct {
	cfg     ServiceAccountConfig
	signKey *rsa.PrivateKey

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewServiceAccountSource(cfg ServiceAccountConfig) (*ServiceAccountSource, error) {
	if strings.TrimSpace(cfg.ExchangeURL) == "" {
		return nil, fmt.Errorf("exchange url is required")
	}
	signKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.Key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse service account private key: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RefreshBefore <= 0 {
		cfg.RefreshBefore = time.Minute
	}
	if cfg.AssertionTTL <= 0 {
		cfg.AssertionTTL = time.Hour
	}
	return &ServiceAccountSource{cfg: cfg, signKey: signKey}, nil
}

func (s *ServiceAccountSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	if s.token != "" && now.Before(s.expiresAt.Add(-s.cfg.RefreshBefore)) {
		return s.token, nil
	}
	token, expiresAt, err := s.exchange(ctx, now)
	if err != nil {
		return "", err
	}
	s.token, s.expiresAt = token, expiresAt
	return token, nil
}

type exchangeResponse struct {
	AccessToken string `json:"accessToken"`
	IAMToken    string `json:"iamToken"`
	ExpiresAt   string `json:"expiresAt"`
	ExpiresIn   int64  `json:"expiresIn"`
}

func (s *ServiceAccountSource) exchange(ctx context.Context, now time.Time) (string, time.Time, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.Key.ServiceAccountID,
		Audience:  jwt.ClaimStrings{s.cfg.ExchangeURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AssertionTTL)),
	}
	assertion := jwt.NewWithClaims(jwt.SigningMethodPS256, claims)
	assertion.Header["kid"] = s.cfg.Key.ID
	signed, err := assertion.SignedString(s.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign assertion: %w", err)
	}

	body, err := json.Marshal(map[string]string{"jwt": signed})
	if err != nil {
		return "", time.Time{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ExchangeURL, bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: read body: %v", ErrExchangeFailed, err)
	}
	if res.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("%w: HTTP %d: %s", ErrExchangeFailed, res.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out exchangeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decode: %v", ErrExchangeFailed, err)
	}
	token := out.AccessToken
	if token == "" {
		token = out.IAMToken
	}
	if token == "" {
		return "", time.Time{}, fmt.Errorf("%w: response has no token", ErrExchangeFailed)
	}

	expiresAt := now.Add(time.Hour)
	switch {
	case out.ExpiresAt != "":
		t, err := time.Parse(time.RFC3339Nano, out.ExpiresAt)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("%w: bad expiresAt %q", ErrExchangeFailed, out.ExpiresAt)
		}
		expiresAt = t
	case out.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return token, expiresAt, nil
}
