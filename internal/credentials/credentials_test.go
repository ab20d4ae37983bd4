package credentials

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken(" ").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

type exchangeServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newExchangeServer(t *testing.T, pub *rsa.PublicKey, expiresAt func() time.Time) *exchangeServer {
	t.Helper()
	es := &exchangeServer{}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			JWT string `json:"jwt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		parsed, err := jwt.Parse(body.JWT, func(tok *jwt.Token) (any, error) {
			if tok.Header["kid"] != "key-1" {
				return nil, errors.New("unexpected kid")
			}
			return pub, nil
		}, jwt.WithValidMethods([]string{"PS256"}))
		if err != nil || !parsed.Valid {
			http.Error(w, "bad jwt", http.StatusUnauthorized)
			return
		}
		iss, _ := parsed.Claims.GetIssuer()
		if iss != "sa-1" {
			http.Error(w, "bad issuer", http.StatusUnauthorized)
			return
		}
		n := es.calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"iamToken":  "token-" + string(rune('0'+n)),
			"expiresAt": expiresAt().Format(time.RFC3339Nano),
		})
	}))
	t.Cleanup(es.Close)
	return es
}

func newKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return priv, string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestServiceAccountSourceCachesAndRefreshesBeforeExpiry(t *testing.T) {
	priv, pemKey := newKey(t)
	clk := &clock{now: time.Now()}
	start := clk.Now()
	srv := newExchangeServer(t, &priv.PublicKey, func() time.Time { return start.Add(10 * time.Minute) })

	src, err := NewServiceAccountSource(ServiceAccountConfig{
		Key:         ServiceAccountKey{ID: "key-1", ServiceAccountID: "sa-1", PrivateKey: pemKey},
		ExchangeURL: srv.URL,
		Now:         clk.Now,
	})
	require.NoError(t, err)

	ctx := context.Background()
	tok, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	clk.Advance(5 * time.Minute)
	tok, err = src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.EqualValues(t, 1, srv.calls.Load())

	clk.Advance(4*time.Minute + 30*time.Second)
	tok, err = src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
	assert.EqualValues(t, 2, srv.calls.Load())
}

func TestServiceAccountSourceConcurrentCallersShareExchange(t *testing.T) {
	priv, pemKey := newKey(t)
	srv := newExchangeServer(t, &priv.PublicKey, func() time.Time { return time.Now().Add(time.Hour) })
	src, err := NewServiceAccountSource(ServiceAccountConfig{
		Key:         ServiceAccountKey{ID: "key-1", ServiceAccountID: "sa-1", PrivateKey: pemKey},
		ExchangeURL: srv.URL,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := src.Token(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, srv.calls.Load())
}

func TestServiceAccountSourceReportsExchangeFailure(t *testing.T) {
	_, pemKey := newKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	src, err := NewServiceAccountSource(ServiceAccountConfig{
		Key:         ServiceAccountKey{ID: "key-1", ServiceAccountID: "sa-1", PrivateKey: pemKey},
		ExchangeURL: srv.URL,
	})
	require.NoError(t, err)
	_, err = src.Token(context.Background())
	assert.ErrorIs(t, err, ErrExchangeFailed)
}

func TestLoadServiceAccountKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"k","service_account_id":"sa","private_key":"pem"}`), 0o600))
	key, err := LoadServiceAccountKey(path)
	require.NoError(t, err)
	assert.Equal(t, "sa", key.ServiceAccountID)

	require.NoError(t, os.WriteFile(path, []byte(`{"id":"k"}`), 0o600))
	_, err = LoadServiceAccountKey(path)
	assert.Error(t, err)
}
