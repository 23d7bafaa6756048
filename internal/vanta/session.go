// ABOUTME: Bearer token session for the Vanta API.
// ABOUTME: Exchanges client credentials lazily and refreshes the token once it expires.

package vanta

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/jfeddern/VulnLedger/internal/types"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ReadScope is the OAuth scope requested for read-only access.
const ReadScope = "vanta-api.all:read"

// TokenEncoding selects how the client-credentials request body is sent.
type TokenEncoding int

const (
	// TokenJSON posts {client_id, client_secret, scope, grant_type} as JSON.
	TokenJSON TokenEncoding = iota
	// TokenForm posts the same fields form-encoded (RFC 6749 section 4.4).
	TokenForm
)

// Session owns the bearer token used by a Client.
type Session struct {
	mu         sync.Mutex
	config     clientcredentials.Config
	httpClient *req.Client
	encoding   TokenEncoding
	token      *oauth2.Token
	now        func() time.Time
}

// NewSession prepares a session against baseURL. No request is made until Token is called.
func NewSession(baseURL string, creds types.Credentials, httpClient *req.Client) *Session {
	return &Session{
		config: clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     strings.TrimRight(baseURL, "/") + "/oauth/token",
			Scopes:       []string{ReadScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
		encoding:   TokenJSON,
		now:        time.Now,
	}
}

// Token returns the held access token, exchanging credentials first if none is held
// or the held one has expired.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Valid() {
		return s.token.AccessToken, nil
	}

	if s.config.ClientID == "" || s.config.ClientSecret == "" {
		return "", &AuthError{Err: errMissingCredentials}
	}

	var (
		token *oauth2.Token
		err   error
	)
	if s.encoding == TokenForm {
		token, err = s.formToken(ctx)
	} else {
		token, err = s.jsonToken(ctx)
	}
	if err != nil {
		return "", &AuthError{Err: err}
	}

	s.token = token
	return token.AccessToken, nil
}

func (s *Session) formToken(ctx context.Context) (*oauth2.Token, error) {
	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient.GetClient())
	}
	return s.config.Token(ctx)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *Session) jsonToken(ctx context.Context) (*oauth2.Token, error) {
	client := s.httpClient
	if client == nil {
		client = req.C()
	}

	resp, err := client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"client_id":     s.config.ClientID,
			"client_secret": s.config.ClientSecret,
			"scope":         strings.Join(s.config.Scopes, " "),
			"grant_type":    "client_credentials",
		}).
		Post(s.config.TokenURL)
	if err != nil {
		return nil, fmt.Errorf("failed to request token: %w", err)
	}

	body, err := resp.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token response carries no access_token")
	}

	token := &oauth2.Token{AccessToken: parsed.AccessToken, TokenType: parsed.TokenType}
	if parsed.ExpiresIn > 0 {
		token.Expiry = s.now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	return token, nil
}

// Invalidate drops the held token so the next call re-authenticates.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}
