package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
)

type refreshRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// RefreshSession obtains a new access token. Concurrent callers share one
// network call. On success the token store is written before subscribers
// (the socket clients) are notified. Both tokens are cleared only when the
// backend rejects the refresh; network and server failures keep the session.
func (c *Client) RefreshSession(ctx context.Context) (string, error) {
	return c.refreshFrom(ctx, c.tokens.AccessToken(ctx))
}

// refreshAfter is used after an authorization failure; it reports whether the
// call should be retried.
func (c *Client) refreshAfter(ctx context.Context, tokenUsed string) bool {
	_, err := c.refreshFrom(ctx, tokenUsed)
	return err == nil
}

// refreshFrom refreshes unless the stored token already moved past stale,
// which happens when another caller's refresh finished first.
func (c *Client) refreshFrom(ctx context.Context, stale string) (string, error) {
	ch := c.refresh.DoChan("refresh", func() (any, error) {
		bg := context.WithoutCancel(ctx)
		if cur := c.tokens.AccessToken(bg); cur != "" && cur != stale {
			return cur, nil
		}
		return c.doRefresh(bg)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) doRefresh(ctx context.Context) (string, error) {
	cl := &call{
		method:    http.MethodPost,
		path:      pathRefresh,
		url:       c.baseURL + pathRefresh,
		header:    make(http.Header),
		isRefresh: true,
		skipAuth:  true,
	}
	if rt := c.tokens.RefreshToken(ctx); rt != "" {
		cl.body, _ = json.Marshal(refreshRequest{RefreshToken: rt})
		cl.contentType = "application/json"
	}

	r := c.execute(ctx, cl)
	var out refreshResponse
	err := r.Decode(&out)
	rejected := refreshRejected(err)
	if err == nil && out.AccessToken == "" {
		err = &Error{Kind: KindDecode, Status: r.Status, Message: "refresh response without access token"}
		rejected = true
	}
	if err != nil {
		apiRefreshes.WithLabelValues("failure").Inc()
		if !rejected {
			log.Warn().Err(err).Str("component", "api").Msg("token refresh failed, keeping session")
			return "", err
		}
		log.Warn().Err(err).Str("component", "api").Msg("token refresh rejected, clearing session")
		if cerr := c.tokens.Clear(ctx); cerr != nil {
			log.Error().Err(cerr).Str("component", "api").Msg("clear tokens")
		}
		return "", err
	}

	if err := c.tokens.SetSession(ctx, out.AccessToken, out.RefreshToken); err != nil {
		apiRefreshes.WithLabelValues("failure").Inc()
		return "", err
	}
	apiRefreshes.WithLabelValues("success").Inc()
	log.Debug().Str("component", "api").Msg("access token refreshed")
	return out.AccessToken, nil
}

// refreshRejected reports whether the backend refused the refresh itself,
// as opposed to being unreachable or failing.
func refreshRejected(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindUnauthorized
}
