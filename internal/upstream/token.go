package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Token is a short-lived bearer credential for the product API.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// TokenProvider performs the client-credentials grant. Every call is a fresh
// exchange; there is no retry and no caching.
type TokenProvider struct {
	clientID     string
	clientSecret string
	opts         options
}

func NewTokenProvider(clientID, clientSecret string, opts ...Option) *TokenProvider {
	return &TokenProvider{
		clientID:     clientID,
		clientSecret: clientSecret,
		opts:         newOptions(opts),
	}
}

// Token exchanges the client credentials for a bearer token.
func (p *TokenProvider) Token(ctx context.Context) (Token, error) {
	if p.clientID == "" || p.clientSecret == "" {
		return Token{}, ErrMissingCredentials
	}
	if !p.opts.allow(EndpointToken) {
		return Token{}, fmt.Errorf("upstream: token: %w", ErrCircuitOpen)
	}

	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {p.opts.scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		p.opts.release(EndpointToken)
		return Token{}, fmt.Errorf("upstream: token: %w", err)
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := p.opts.now()
	resp, err := p.opts.client.Do(req)
	if err != nil {
		p.opts.record(ctx, EndpointToken, "transport_error", p.opts.now().Sub(start), true)
		return Token{}, fmt.Errorf("upstream: token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.opts.record(ctx, EndpointToken, "http_error", p.opts.now().Sub(start), countsAgainstBreaker(resp.StatusCode))
		return Token{}, readStatusError(EndpointToken, resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		p.opts.record(ctx, EndpointToken, "decode_error", p.opts.now().Sub(start), true)
		return Token{}, fmt.Errorf("upstream: token: decode response: %w", err)
	}
	if tr.AccessToken == "" {
		p.opts.record(ctx, EndpointToken, "decode_error", p.opts.now().Sub(start), true)
		return Token{}, fmt.Errorf("upstream: token: response has no access_token")
	}
	p.opts.record(ctx, EndpointToken, "ok", p.opts.now().Sub(start), false)

	tok := Token{AccessToken: tr.AccessToken, TokenType: tr.TokenType}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = start.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func readStatusError(endpoint string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
