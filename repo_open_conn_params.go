package streamclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

type (
	// TokenProvider is pulled for the bearer token on every connect and reconnect, so a token
	// refreshed mid-session is honored. ok is false when there is no token.
	TokenProvider interface {
		CurrentAuthToken() (token string, ok bool)
	}

	TokenProviderFunc func() (string, bool)

	// OpenConnectionParamsRepo resolves a Target plus the current credentials into dial
	// parameters.
	OpenConnectionParamsRepo struct {
		logger     Logger
		baseURL    url.URL
		authMode   AuthMode
		tokenParam string
		tokens     TokenProvider
	}
)

func (f TokenProviderFunc) CurrentAuthToken() (string, bool) {
	return f()
}

// StaticToken always returns token.
func StaticToken(token string) TokenProvider {
	return TokenProviderFunc(func() (string, bool) {
		return token, token != ""
	})
}

type noToken struct{}

func (noToken) CurrentAuthToken() (string, bool) { return "", false }

// Get builds the parameters of one connection attempt. The provider token wins over
// fallbackToken, which is only used when the provider has none.
func (r OpenConnectionParamsRepo) Get(
	ctx context.Context,
	target Target,
	fallbackToken string,
) (params OpenConnectionParams, err error) {
	if err = ctx.Err(); err != nil {
		return
	}

	token, ok := r.tokens.CurrentAuthToken()
	if !ok || token == "" {
		token = fallbackToken
	}

	return r.build(target, token), nil
}

// GetWithToken builds the parameters of one connection attempt with token, bypassing the
// provider. An empty token falls back to Get.
func (r OpenConnectionParamsRepo) GetWithToken(
	ctx context.Context,
	target Target,
	token string,
) (OpenConnectionParams, error) {
	if token == "" {
		return r.Get(ctx, target, "")
	}
	if err := ctx.Err(); err != nil {
		return OpenConnectionParams{}, err
	}
	return r.build(target, token), nil
}

func (r OpenConnectionParamsRepo) build(target Target, token string) OpenConnectionParams {
	u := r.baseURL.JoinPath(target.Path)

	query := url.Values{}
	for k, vs := range target.Query {
		query[k] = append([]string(nil), vs...)
	}

	header := http.Header{}

	if token != "" {
		switch r.authMode {
		case AuthHeader:
			header.Set("Authorization", "Bearer "+token)
		default:
			query.Set(r.tokenParam, token)
		}
	}

	u.RawQuery = query.Encode()

	r.logger.Debugf("resolved connection params for %s (token present: %t)", target, token != "")
	return OpenConnectionParams{URL: *u, Header: header}
}

func NewOpenConnectionParamsRepo(
	logger Logger,
	rawURL string,
	authMode AuthMode,
	tokenParam string,
	tokens TokenProvider,
) (OpenConnectionParamsRepo, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return OpenConnectionParamsRepo{}, errors.Wrapf(ErrInvalidConfig, "invalid url %q: %s", rawURL, err)
	}
	if tokens == nil {
		tokens = noToken{}
	}
	if tokenParam == "" {
		tokenParam = defaultTokenParam
	}
	return OpenConnectionParamsRepo{
		logger:     logger,
		baseURL:    *base,
		authMode:   authMode,
		tokenParam: tokenParam,
		tokens:     tokens,
	}, nil
}
