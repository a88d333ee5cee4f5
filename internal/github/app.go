// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package github wraps the GitHub App integration: app JWT minting,
// installation token exchange, repository reads and the change-request flow.
package github

import (
	"context"
	"crypto/rsa"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v69/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// App authenticates as a GitHub App and hands out installation-scoped
// clients. Installation tokens are cached until shortly before expiry.
type App struct {
	appID string
	key   *rsa.PrivateKey
	rest  *gh.Client
	now   func() time.Time

	mu     sync.Mutex
	tokens map[int64]installationToken
}

type installationToken struct {
	token     string
	expiresAt time.Time
}

// refreshMargin forces a new installation token this long before the old one
// expires so in-flight requests never race the cutoff.
const refreshMargin = 5 * time.Minute

// NewApp parses the app's PEM private key and prepares a JWT-authenticated
// REST client for app-level endpoints.
func NewApp(appID string, pemKey []byte, opts ...AppOption) (*App, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, errors.Wrap(err, "parsing app private key")
	}
	a := &App{
		appID:  appID,
		key:    key,
		now:    time.Now,
		tokens: make(map[int64]installationToken),
	}
	a.rest = gh.NewClient(&http.Client{Transport: &jwtTransport{app: a}})
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// AppOption adjusts App construction.
type AppOption func(*App) error

// WithBaseURL points the app at a GitHub API endpoint other than the public
// one.
func WithBaseURL(base string) AppOption {
	return func(a *App) error {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		c, err := a.rest.WithEnterpriseURLs(base, base)
		if err != nil {
			return errors.Wrap(err, "setting API base URL")
		}
		a.rest = c
		return nil
	}
}

// signJWT mints the short-lived app JWT GitHub requires for app endpoints.
// iat is backdated 60s to absorb clock skew.
func (a *App) signJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    a.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", errors.Wrap(err, "signing app JWT")
	}
	return signed, nil
}

type jwtTransport struct {
	app  *App
	base http.RoundTripper
}

func (t *jwtTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.app.signJWT(t.app.now())
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// InstallationToken returns a valid access token for the installation,
// minting a fresh one when the cached token is near expiry.
func (a *App) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.Lock()
	cached, ok := a.tokens[installationID]
	a.mu.Unlock()
	if ok && a.now().Before(cached.expiresAt.Add(-refreshMargin)) {
		return cached.token, nil
	}
	tok, _, err := a.rest.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", errors.Wrapf(err, "creating installation token for %d", installationID)
	}
	a.mu.Lock()
	a.tokens[installationID] = installationToken{token: tok.GetToken(), expiresAt: tok.GetExpiresAt().Time}
	a.mu.Unlock()
	return tok.GetToken(), nil
}

type installationTransport struct {
	app            *App
	installationID int64
	base           http.RoundTripper
}

func (t *installationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.app.InstallationToken(req.Context(), t.installationID)
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// InstallationClient returns a long-lived repository client for the
// installation. The transport resolves the token per request, so the client
// survives token expiry.
func (a *App) InstallationClient(installationID int64) *Client {
	c := gh.NewClient(&http.Client{Transport: &installationTransport{app: a, installationID: installationID}})
	c.BaseURL = a.rest.BaseURL
	return &Client{gh: c}
}

// ClientFor returns a repository client holding one installation token,
// valid for about an hour. Long-lived callers want InstallationClient.
func (a *App) ClientFor(ctx context.Context, installationID int64) (*Client, error) {
	token, err := a.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	c := gh.NewClient(oauth2.NewClient(ctx, ts))
	c.BaseURL = a.rest.BaseURL
	return &Client{gh: c}, nil
}
