package vertex

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

const testClientEmail = "gateway@learnloop-test.iam.gserviceaccount.com"

// tokenServer is a fake OAuth2 token endpoint that validates the signed assertion.
type tokenServer struct {
	t         *testing.T
	publicKey *rsa.PublicKey
	hits      int32
	expiresIn int
	status    int32
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.hits, 1)
	if status := atomic.LoadInt32(&s.status); status != 0 {
		w.WriteHeader(int(status))
		w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}
	if err := r.ParseForm(); err != nil {
		s.t.Errorf("bad token form: %v", err)
	}
	if got := r.PostForm.Get("grant_type"); got != jwtBearerGrant {
		s.t.Errorf("grant_type = %q", got)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(r.PostForm.Get("assertion"), claims, func(tok *jwt.Token) (any, error) {
		return s.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		s.t.Errorf("assertion does not verify: %v", err)
	}
	if claims["iss"] != testClientEmail || claims["scope"] != cloudPlatformScope {
		s.t.Errorf("unexpected claims: %v", claims)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": "ya29.test-token",
		"expires_in":   s.expiresIn,
		"token_type":   "Bearer",
	})
}

func (s *tokenServer) count() int32 {
	return atomic.LoadInt32(&s.hits)
}

// writeCredentials generates an RSA key and writes a service-account file
// whose token_uri points at tokenURI.
func writeCredentials(t *testing.T, tokenURI string) (string, *rsa.PublicKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	creds := Credentials{
		Type:         "service_account",
		ProjectID:    "learnloop-test",
		PrivateKeyID: "key-1",
		PrivateKey:   string(keyPEM),
		ClientEmail:  testClientEmail,
		TokenURI:     tokenURI,
	}
	data, _ := json.Marshal(creds)

	path := filepath.Join(t.TempDir(), "sa.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	return path, &key.PublicKey
}
