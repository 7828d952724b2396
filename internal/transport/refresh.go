// Package transport is the HTTP client every backend call goes through: bearer stamping,
// one-shot refresh on 401, request logging and tracing.
package transport

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/atelier/internal/errs"
)

// TokenSource yields the current identity token; force bypasses any cached value.
type TokenSource func(ctx context.Context, force bool) (string, error)

// ExpiredFunc is invoked when a request could not be authorized even after a refresh.
// It may be called concurrently by several failing requests.
type ExpiredFunc func(ctx context.Context)

// RefreshRetry decorates a RoundTripper with the stamp / send / refresh-once / expire lifecycle.
// Errors other than 401 pass through unchanged.
type RefreshRetry struct {
	Next      http.RoundTripper
	Tokens    TokenSource
	OnExpired ExpiredFunc
	Log       *zap.Logger
}

// NewRefreshRetry wraps next.
func NewRefreshRetry(next http.RoundTripper, tokens TokenSource, onExpired ExpiredFunc, log *zap.Logger) *RefreshRetry {
	if next == nil {
		next = http.DefaultTransport
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RefreshRetry{Next: next, Tokens: tokens, OnExpired: onExpired, Log: log}
}

var _ http.RoundTripper = (*RefreshRetry)(nil)

// RoundTrip implements http.RoundTripper.
func (rt *RefreshRetry) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	tok, err := rt.token(ctx, false)
	if err != nil && errs.KindOf(err) == errs.NetworkUnavailable {
		return nil, err
	}
	resp, err := rt.send(req, tok)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || refreshDisabled(ctx) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		rt.Log.Warn("401 on non-replayable request", zap.String("path", req.URL.Path))
		return resp, nil
	}
	discard(resp)

	fresh, err := rt.token(ctx, true)
	if err != nil && errs.KindOf(err) == errs.NetworkUnavailable {
		return nil, err
	}
	if err != nil || fresh == "" {
		return nil, rt.expire(ctx, req, err)
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errs.New(errs.Unknown, "transport.replay", err)
		}
		retry.Body = body
	}
	resp, err = rt.send(retry, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, rt.expire(ctx, req, nil)
	}
	return resp, nil
}

func (rt *RefreshRetry) token(ctx context.Context, force bool) (string, error) {
	if rt.Tokens == nil {
		return "", nil
	}
	return rt.Tokens(ctx, force)
}

// send stamps a clone so the caller's request is never mutated.
func (rt *RefreshRetry) send(req *http.Request, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Body = req.Body
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}
	return rt.Next.RoundTrip(out)
}

func (rt *RefreshRetry) expire(ctx context.Context, req *http.Request, cause error) error {
	rt.Log.Info("session expired after refresh",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Error(cause),
	)
	if rt.OnExpired != nil {
		rt.OnExpired(context.WithoutCancel(ctx))
	}
	if cause == nil {
		cause = errors.New("unauthorized after refresh")
	}
	return errs.New(errs.SessionExpired, "transport.refresh", cause)
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
