// Package security implements session-token verification and share-link
// token handling.
//
// Token verification supports three modes, chosen by configuration:
//
//   - JWKS: AUTH_JWKS_URL points at the identity provider's key set. Keys
//     are cached and refreshed asynchronously, so per-request verification
//     never blocks on the network after the initial fetch.
//   - OIDC discovery: AUTH_ISSUER alone triggers full provider discovery.
//   - Dev secret: a symmetric HS256 secret for local development only.
package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

// Claims is the identity extracted from a verified session token.
type Claims struct {
	Subject   string
	Email     string
	Name      string
	AvatarURL string
}

// Verifier validates a raw bearer token and returns the caller's claims.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// VerifierConfig selects and parameterizes the verification mode.
type VerifierConfig struct {
	JWKSURL   string
	Issuer    string
	Audience  string
	DevSecret string
}

// NewVerifier builds a Verifier for the configured mode. The returned
// verifier is safe for concurrent use. ctx must live as long as the
// verifier: the JWKS cache ties its background refresh to it, so a
// startup-scoped context would silently stop key rotation.
func NewVerifier(ctx context.Context, cfg VerifierConfig) (Verifier, error) {
	switch {
	case cfg.JWKSURL != "":
		return newJWKSVerifier(ctx, cfg)
	case cfg.Issuer != "":
		return newOIDCVerifier(ctx, cfg)
	case cfg.DevSecret != "":
		common.Logger.Warn("using symmetric dev auth secret; do not run this in production")
		return newDevVerifier(cfg)
	default:
		return nil, fmt.Errorf("no auth verification configured: set AUTH_JWKS_URL, AUTH_ISSUER, or AUTH_DEV_SECRET")
	}
}

// jwksVerifier verifies RS/ES-signed tokens against a remotely fetched key
// set. jwk.Cache refreshes under a single-flight guard in the background.
type jwksVerifier struct {
	keys     jwk.Set
	issuer   string
	audience string
}

func newJWKSVerifier(ctx context.Context, cfg VerifierConfig) (*jwksVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("registering JWKS endpoint: %w", err)
	}
	// Prime the cache so misconfiguration surfaces at startup rather than
	// on the first request. Only the priming fetch is deadline-bounded;
	// ctx itself stays with the cache for background refresh.
	primeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := cache.Refresh(primeCtx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("fetching JWKS from %s: %w", cfg.JWKSURL, err)
	}
	return &jwksVerifier{
		keys:     jwk.NewCachedSet(cache, cfg.JWKSURL),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

func (v *jwksVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	opts := []jwt.ParseOption{
		jwt.WithContext(ctx),
		jwt.WithKeySet(v.keys),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	tok, err := jwt.Parse([]byte(rawToken), opts...)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return claimsFromToken(tok), nil
}

// oidcVerifier resolves the provider's JWKS endpoint through OIDC
// discovery. go-oidc maintains its own remote key set internally.
type oidcVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func newOIDCVerifier(ctx context.Context, cfg VerifierConfig) (*oidcVerifier, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", cfg.Issuer, err)
	}
	oc := &oidc.Config{ClientID: cfg.Audience}
	if cfg.Audience == "" {
		oc.SkipClientIDCheck = true
	}
	return &oidcVerifier{verifier: provider.Verifier(oc)}, nil
}

func (v *oidcVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, common.Wrap(common.KindUnauthenticated, "token_invalid", err)
	}
	var parsed struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := idToken.Claims(&parsed); err != nil {
		return nil, common.Wrap(common.KindUnauthenticated, "token_invalid", err)
	}
	return &Claims{
		Subject:   idToken.Subject,
		Email:     parsed.Email,
		Name:      parsed.Name,
		AvatarURL: parsed.Picture,
	}, nil
}

// devVerifier verifies HS256 tokens signed with a shared secret.
type devVerifier struct {
	key      jwk.Key
	issuer   string
	audience string
}

func newDevVerifier(cfg VerifierConfig) (*devVerifier, error) {
	key, err := jwk.FromRaw([]byte(cfg.DevSecret))
	if err != nil {
		return nil, fmt.Errorf("building dev key: %w", err)
	}
	return &devVerifier{key: key, issuer: cfg.Issuer, audience: cfg.Audience}, nil
}

func (v *devVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	opts := []jwt.ParseOption{
		jwt.WithContext(ctx),
		jwt.WithKey(jwa.HS256, v.key),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	tok, err := jwt.Parse([]byte(rawToken), opts...)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return claimsFromToken(tok), nil
}

func claimsFromToken(tok jwt.Token) *Claims {
	c := &Claims{Subject: tok.Subject()}
	if v, ok := tok.Get("email"); ok {
		c.Email, _ = v.(string)
	}
	if v, ok := tok.Get("name"); ok {
		c.Name, _ = v.(string)
	}
	if v, ok := tok.Get("picture"); ok {
		c.AvatarURL, _ = v.(string)
	}
	return c
}

// classifyTokenError maps verification failures to coarse reason codes.
// The underlying error is retained for logs but the message never echoes
// token material.
func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired()):
		return common.Wrap(common.KindUnauthenticated, "token_expired", err)
	case errors.Is(err, jwt.ErrInvalidIssuer()), errors.Is(err, jwt.ErrInvalidAudience()):
		return common.Wrap(common.KindUnauthenticated, "token_wrong_issuer_or_audience", err)
	default:
		return common.Wrap(common.KindUnauthenticated, "token_invalid", err)
	}
}
