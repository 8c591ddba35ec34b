package vertex

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	defaultTokenURI    = "https://oauth2.googleapis.com/token"
	jwtBearerGrant     = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	assertionLifetime = time.Hour
	refreshSkew       = 2 * time.Minute
	fetchTimeout      = 30 * time.Second
)

// Credentials is the subset of a Google service-account key file the
// token source needs.
type Credentials struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// LoadCredentials reads a service-account JSON key file
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	if creds.Type != "service_account" {
		return nil, fmt.Errorf("credentials type %q is not service_account", creds.Type)
	}
	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return nil, errors.New("credentials file lacks client_email or private_key")
	}
	if creds.TokenURI == "" {
		creds.TokenURI = defaultTokenURI
	}
	return &creds, nil
}

// TokenSource exchanges signed service-account assertions for OAuth2
// access tokens and caches the result until shortly before expiry.
// Concurrent callers that find the cache stale share a single exchange.
type TokenSource struct {
	creds      *Credentials
	key        *rsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time

	mu       sync.Mutex
	token    string
	expiry   time.Time
	lifetime time.Duration

	group singleflight.Group
}

// NewTokenSource parses the private key and prepares a token source
func NewTokenSource(creds *Credentials, httpClient *http.Client) (*TokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse service account private key: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenSource{
		creds:      creds,
		key:        key,
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

// Token returns a valid access token, refreshing it when it expires
// within the refresh skew.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := s.cached(); ok {
		return token, nil
	}

	v, err, _ := s.group.Do("token", func() (any, error) {
		// a flight that finished just before this one may have refreshed already
		if token, ok := s.cached(); ok {
			return token, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		token, expiresIn, err := s.exchange(fetchCtx)
		if err != nil {
			return "", err
		}

		s.mu.Lock()
		s.token = token
		s.expiry = s.now().Add(expiresIn)
		s.lifetime = expiresIn
		s.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next call refreshes.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
}

func (s *TokenSource) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// short-lived tokens refresh at half-life instead of the fixed skew
	skew := refreshSkew
	if half := s.lifetime / 2; half < skew {
		skew = half
	}
	if s.token != "" && s.now().Add(skew).Before(s.expiry) {
		return s.token, true
	}
	return "", false
}

func (s *TokenSource) exchange(ctx context.Context) (string, time.Duration, error) {
	assertion, err := s.signAssertion()
	if err != nil {
		return "", 0, err
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.creds.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", 0, fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", 0, errors.New("token response has no access_token")
	}
	return tok.AccessToken, time.Duration(tok.ExpiresIn) * time.Second, nil
}

func (s *TokenSource) signAssertion() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   s.creds.ClientEmail,
		"scope": cloudPlatformScope,
		"aud":   s.creds.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.creds.PrivateKeyID != "" {
		token.Header["kid"] = s.creds.PrivateKeyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}
