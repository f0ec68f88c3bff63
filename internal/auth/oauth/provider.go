// Package oauth talks to the external identity provider: it builds the
// authorization URL, exchanges the callback code for an access token and
// fetches the user's profile. Endpoints are either configured explicitly or
// discovered from an OpenID Connect issuer.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/config"
)

const defaultRequestTimeout = 10 * time.Second

// Profile is the subset of the provider's user profile the login flow needs.
type Profile struct {
	Subject   string
	Email     string
	Name      string
	AvatarURL string
}

// Provider wraps the OAuth2 client configuration and a profile client.
type Provider struct {
	config     *oauth2.Config
	profileURL string
	client     *resty.Client
	timeout    time.Duration
}

// NewProvider builds a Provider. When cfg.IssuerURL is set, the endpoints
// come from the issuer's discovery document and any explicitly configured
// URL overrides the discovered value.
func NewProvider(ctx context.Context, cfg *config.OAuthConfig) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OAuth client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("OAuth client secret is required")
	}

	endpoint := oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
	profileURL := cfg.ProfileURL
	scopes := cfg.Scopes

	if cfg.IssuerURL != "" {
		discovered, err := oidc.NewProvider(ctx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
		}
		ep := discovered.Endpoint()
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = ep.AuthURL
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = ep.TokenURL
		}
		if profileURL == "" {
			profileURL = discovered.UserInfoEndpoint()
		}
		if len(scopes) == 0 {
			scopes = []string{oidc.ScopeOpenID, "email", "profile"}
		}
	}

	if endpoint.AuthURL == "" || endpoint.TokenURL == "" || profileURL == "" {
		return nil, fmt.Errorf("OAuth authorization, token and profile endpoints are required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		profileURL: profileURL,
		client:     resty.New().SetTimeout(timeout),
		timeout:    timeout,
	}, nil
}

// AuthCodeURL returns the provider's authorization URL carrying state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for an access token. Any failure,
// including a response without an access token, is an UpstreamAuth error.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: p.timeout})

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamAuth, err, "failed to exchange authorization code")
	}
	if token.AccessToken == "" {
		return nil, apperr.New(apperr.UpstreamAuth, "identity provider returned no access token")
	}
	return token, nil
}

// FetchProfile loads the user's profile with the access token. Both
// OIDC userinfo ("picture", "sub") and GitHub-style ("avatar_url", "id")
// field names are understood. A missing email is not an error here.
func (p *Provider) FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(token.AccessToken).
		SetHeader("Accept", "application/json").
		Get(p.profileURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamAuth, err, "failed to fetch user profile")
	}
	if !resp.IsSuccess() {
		return nil, apperr.Wrap(apperr.UpstreamAuth,
			fmt.Errorf("profile endpoint returned %s", resp.Status()), "failed to fetch user profile")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamAuth, err, "malformed user profile")
	}
	return parseProfile(raw), nil
}

func parseProfile(raw map[string]interface{}) *Profile {
	return &Profile{
		Subject:   firstString(raw, "sub", "id"),
		Email:     strings.TrimSpace(firstString(raw, "email")),
		Name:      strings.TrimSpace(firstString(raw, "name")),
		AvatarURL: firstString(raw, "picture", "avatar_url"),
	}
}

func firstString(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
