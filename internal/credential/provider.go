// Package credential supplies bearer tokens to the Azure-backed sink and
// checkpoint store. Tokens are cached per scope set and refreshed shortly
// before expiry; concurrent callers share a single in-flight refresh.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"streamingest/internal/logging"
	"streamingest/internal/telemetry"
)

// Error reports that no valid token could be obtained. It is fatal for the
// whole process.
type Error struct {
	Scopes []string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("credential: acquire token for %s: %v", strings.Join(e.Scopes, ","), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	TenantID     string        `koanf:"tenant_id" yaml:"tenant_id"`
	ClientID     string        `koanf:"client_id" yaml:"client_id"`
	ClientSecret string        `koanf:"client_secret" yaml:"client_secret"`
	RefreshSkew  time.Duration `koanf:"refresh_skew" yaml:"refresh_skew"`
	Timeout      time.Duration `koanf:"timeout" yaml:"timeout"`
	Attempts     int           `koanf:"attempts" yaml:"attempts"`
}

// NewSource builds the underlying Azure credential: a client secret
// credential when all three secret fields are set, otherwise the default
// credential chain (environment, workload identity, managed identity, CLI).
func NewSource(c Config) (azcore.TokenCredential, error) {
	if c.TenantID != "" && c.ClientID != "" && c.ClientSecret != "" {
		return azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
	}
	return azidentity.NewDefaultAzureCredential(nil)
}

// Provider is an azcore.TokenCredential with caching and single-flight
// refresh in front of another credential.
type Provider struct {
	src      azcore.TokenCredential
	skew     time.Duration
	timeout  time.Duration
	attempts int
	backoff  func() backoff.BackOff
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]azcore.AccessToken

	flight singleflight.Group
}

var _ azcore.TokenCredential = (*Provider)(nil)

func NewProvider(src azcore.TokenCredential, c Config) *Provider {
	p := &Provider{
		src:      src,
		skew:     c.RefreshSkew,
		timeout:  c.Timeout,
		attempts: c.Attempts,
		now:      time.Now,
		cache:    make(map[string]azcore.AccessToken),
	}
	if p.skew <= 0 {
		p.skew = 5 * time.Minute
	}
	if p.timeout <= 0 {
		p.timeout = 30 * time.Second
	}
	if p.attempts <= 0 {
		p.attempts = 3
	}
	p.backoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = 0
		return b
	}
	return p
}

// GetToken returns a cached token for the requested scopes or waits for the
// in-flight refresh. Cancelling ctx abandons the wait, not the refresh.
func (p *Provider) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	key := cacheKey(opts)
	if tok, ok := p.cached(key); ok {
		return tok, nil
	}

	ch := p.flight.DoChan(key, func() (any, error) {
		if tok, ok := p.cached(key); ok {
			return tok, nil
		}
		return p.refresh(context.WithoutCancel(ctx), key, opts)
	})

	select {
	case <-ctx.Done():
		return azcore.AccessToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return azcore.AccessToken{}, res.Err
		}
		return res.Val.(azcore.AccessToken), nil
	}
}

// Invalidate drops every cached token, forcing the next call to refresh.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cache = make(map[string]azcore.AccessToken)
	p.mu.Unlock()
}

func (p *Provider) cached(key string) (azcore.AccessToken, bool) {
	p.mu.RLock()
	tok, ok := p.cache[key]
	p.mu.RUnlock()
	if !ok || p.now().Add(p.skew).After(tok.ExpiresOn) {
		return azcore.AccessToken{}, false
	}
	return tok, true
}

func (p *Provider) refresh(ctx context.Context, key string, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	var tok azcore.AccessToken
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		t, err := p.src.GetToken(callCtx, opts)
		if err != nil {
			var authErr *azidentity.AuthenticationFailedError
			if errors.As(err, &authErr) && authErr.RawResponse != nil &&
				authErr.RawResponse.StatusCode >= 400 && authErr.RawResponse.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		tok = t
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logging.L().Warn("token refresh failed, retrying", "scopes", opts.Scopes, "wait", wait, logging.Error(err))
	}

	b := backoff.WithMaxRetries(p.backoff(), uint64(p.attempts-1))
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		telemetry.CredentialRefreshes.WithLabelValues("error").Inc()
		logging.L().Error("token refresh exhausted", "scopes", opts.Scopes, logging.Error(err))
		return azcore.AccessToken{}, &Error{Scopes: opts.Scopes, Err: err}
	}

	telemetry.CredentialRefreshes.WithLabelValues("ok").Inc()
	p.mu.Lock()
	p.cache[key] = tok
	p.mu.Unlock()
	return tok, nil
}

func cacheKey(opts policy.TokenRequestOptions) string {
	scopes := append([]string(nil), opts.Scopes...)
	sort.Strings(scopes)
	return opts.TenantID + "|" + strings.Join(scopes, " ")
}
