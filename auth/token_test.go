package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/canopus-hq/docforge/test"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "generating test key")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}

// tokenServer records each grant_type it sees and serves tokens in order.
type tokenServer struct {
	mu       sync.Mutex
	grants   []string
	requests int
	expires  int64
	delay    time.Duration
}

func (ts *tokenServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ts.delay > 0 {
			time.Sleep(ts.delay)
		}
		r.ParseForm()
		ts.mu.Lock()
		ts.requests++
		n := ts.requests
		ts.grants = append(ts.grants, r.PostFormValue("grant_type"))
		expires := ts.expires
		ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": "tok-%d", "token_type": "Bearer", "expires_in": %d}`, n, expires)
	})
}

func (ts *tokenServer) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.requests
}

func TestNewManagerRequiresStrategy(t *testing.T) {
	t.Parallel()
	_, err := NewManager(Config{TokenURL: "https://login.example.com", ClientID: "abc"}, zap.NewNop())
	test.AssertError(t, err, "expected constructor to fail with no strategy")
	test.AssertContains(t, err.Error(), "no token acquisition strategy")
}

func TestRefreshTokenTakesPrecedence(t *testing.T) {
	t.Parallel()
	ts := &tokenServer{expires: 3600}
	s := httptest.NewServer(ts.handler())
	defer s.Close()
	m, err := NewManager(Config{
		TokenURL:      s.URL,
		ClientID:      "abc",
		RefreshToken:  "refresh-secret",
		PrivateKeyPEM: testKeyPEM(t),
		Principal:     "svc@example.com",
	}, zap.NewNop())
	test.AssertNotError(t, err, "constructing manager")
	tok, err := m.Token(context.Background())
	test.AssertNotError(t, err, "acquiring token")
	test.AssertEquals(t, tok, "tok-1")
	test.AssertEquals(t, ts.grants[0], "refresh_token")
	test.AssertEquals(t, m.Current().Source, SourceRefreshToken)
}

func TestAssertionExchange(t *testing.T) {
	t.Parallel()
	ts := &tokenServer{expires: 3600}
	s := httptest.NewServer(ts.handler())
	defer s.Close()
	m, err := NewManager(Config{
		TokenURL:      s.URL,
		ClientID:      "abc",
		PrivateKeyPEM: testKeyPEM(t),
		Principal:     "svc@example.com",
	}, zap.NewNop())
	test.AssertNotError(t, err, "constructing manager")
	_, err = m.Token(context.Background())
	test.AssertNotError(t, err, "acquiring token")
	test.AssertEquals(t, ts.grants[0], jwtBearerGrant)
	test.AssertEquals(t, m.Current().Source, SourceAssertion)
}

func TestTokenIsCached(t *testing.T) {
	t.Parallel()
	ts := &tokenServer{expires: 3600}
	s := httptest.NewServer(ts.handler())
	defer s.Close()
	m, err := NewManager(Config{TokenURL: s.URL, ClientID: "abc", RefreshToken: "r"}, zap.NewNop())
	test.AssertNotError(t, err, "constructing manager")
	first, err := m.Token(context.Background())
	test.AssertNotError(t, err, "first acquisition")
	second, err := m.Token(context.Background())
	test.AssertNotError(t, err, "second acquisition")
	test.AssertEquals(t, first, second)
	test.AssertEquals(t, ts.count(), 1)
}

func TestProactiveRefreshNearExpiry(t *testing.T) {
	t.Parallel()
	// 30s is inside the 60s refresh window, so every call refreshes.
	ts := &tokenServer{expires: 30}
	s := httptest.NewServer(ts.handler())
	defer s.Close()
	m, err := NewManager(Config{TokenURL: s.URL, ClientID: "abc", RefreshToken: "r"}, zap.NewNop())
	test.AssertNotError(t, err, "constructing manager")
	_, err = m.Token(context.Background())
	test.AssertNotError(t, err, "first acquisition")
	_, err = m.Token(context.Background())
	test.AssertNotError(t, err, "second acquisition")
	test.AssertEquals(t, ts.count(), 2)
}

func TestInvalidateForcesReacquire(t *testing.T) {
	t.Parallel()
	ts := &tokenServer{expires: 3600}
	s := httptest.NewServer(ts.handler())
	defer s.Close()
	m, err := NewManager(Config{TokenURL: s.URL, ClientID: "abc", RefreshToken: "r"}, zap.NewNop())
	test.AssertNotError(t, err, "constructing manager")
	first, err := m.Token(context.Background())
	test.AssertNotError(t, err, "first acquisition")
	m.Invalidate()
	second, err := m.Token(context.Background())
	test.AssertNotError(t, err, "post-invalidate acquisition")
	test.Assert(t, first != second, "expected a fresh token after Invalidate")
	test.AssertEquals(t, ts.count(), 2)
}

func TestConcurrentCallersShareOneExchange(t *testing.T) {
	t.Parallel()
	ts := &tokenServer{expires: 3600, delay: 50 * time.Millisecond}
	s := httptest.NewServer(ts.handler())
	defer s.Close()
	m, err := NewManager(Config{TokenURL: s.URL, ClientID: "abc", RefreshToken: "r"}, zap.NewNop())
	test.AssertNotError(t, err, "constructing manager")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Token(context.Background())
			test.AssertNotError(t, err, "concurrent acquisition")
		}()
	}
	wg.Wait()
	test.AssertEquals(t, ts.count(), 1)
}
