package githubapp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/orchestrator/internal/clock"
)

func testPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der := x509.MarshalPKCS1PrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

func TestGenerateTokenProducesValidJWTShape(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	gen, err := NewJWTGenerator("12345", testPrivateKeyPEM(t), fake)
	require.NoError(t, err)

	token, err := gen.GenerateToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestProviderRefreshesAndCachesToken(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token": "ghs_abc", "expires_at": "` + fake.Now().Add(1*time.Hour).Format(time.RFC3339) + `"}`))
	}))
	defer srv.Close()

	p, err := NewProvider("12345", 999, testPrivateKeyPEM(t), fake, WithBaseURL(srv.URL))
	require.NoError(t, err)

	tok1, err := p.Token()
	require.NoError(t, err)
	assert.Equal(t, "ghs_abc", tok1)

	tok2, err := p.Token()
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, 1, calls)
}

func TestProviderRefreshesWhenNearExpiry(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token": "ghs_refreshed", "expires_at": "` + fake.Now().Add(1*time.Hour).Format(time.RFC3339) + `"}`))
	}))
	defer srv.Close()

	p, err := NewProvider("12345", 999, testPrivateKeyPEM(t), fake, WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = p.Token()
	require.NoError(t, err)

	fake.Advance(56 * time.Minute) // inside the 5-minute refresh buffer
	_, err = p.Token()
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestNewProviderRejectsNonPositiveInstallationID(t *testing.T) {
	_, err := NewProvider("12345", 0, testPrivateKeyPEM(t), clock.NewFake(time.Now()))
	require.Error(t, err)
}
