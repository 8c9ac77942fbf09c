package googleapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"antigravity-manager/internal/domain/account"
	"antigravity-manager/internal/platform/config"
	"antigravity-manager/internal/platform/errors"
	"antigravity-manager/internal/platform/logging"
)

// Endpoints are overridable for tests; the defaults point at the live
// Google services the IDE itself talks to.
type Endpoints struct {
	Token       string
	LoadProject string
	Quota       string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Token:       "https://oauth2.googleapis.com/token",
		LoadProject: "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist",
		Quota:       "https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels",
	}
}

// Client talks to Google's OAuth and Cloud Code endpoints on behalf of
// stored accounts. Quota lookups are cached and deduplicated.
type Client struct {
	cfg       config.GoogleConfig
	endpoints Endpoints
	http      *http.Client
	logger    *logging.Logger

	quotaCache *ttlcache.Cache[string, *account.Quota]
	group      singleflight.Group
}

func NewClient(cfg config.GoogleConfig, endpoints Endpoints, logger *logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := cfg.QuotaCacheTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	cache := ttlcache.New[string, *account.Quota](
		ttlcache.WithTTL[string, *account.Quota](ttl),
		ttlcache.WithDisableTouchOnHit[string, *account.Quota](),
	)
	go cache.Start()

	return &Client{
		cfg:        cfg,
		endpoints:  endpoints,
		http:       &http.Client{Timeout: timeout},
		logger:     logger,
		quotaCache: cache,
	}
}

func (c *Client) Close() {
	c.quotaCache.Stop()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
}

// RefreshAccessToken exchanges a refresh token for a fresh access token.
// Google usually omits the refresh token from the response, so the old one
// is carried over.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*account.Token, error) {
	if refreshToken == "" {
		return nil, errors.New(errors.KindDomain, "google.refresh", "empty refresh token")
	}

	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.Token,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(errors.KindDomain, "google.refresh", "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req, "google.refresh")
	if err != nil {
		return nil, err
	}

	var parsed tokenResponse
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(errors.KindDomain, "google.refresh", "parse token response", err)
	}
	if parsed.AccessToken == "" {
		return nil, errors.New(errors.KindDomain, "google.refresh", "token response missing access token")
	}
	if parsed.RefreshToken == "" {
		parsed.RefreshToken = refreshToken
	}
	tokenType := parsed.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &account.Token{
		AccessToken:     parsed.AccessToken,
		RefreshToken:    parsed.RefreshToken,
		TokenType:       tokenType,
		ExpiryTimestamp: time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second).UnixMilli(),
		IDToken:         parsed.IDToken,
	}, nil
}

// UserInfo is the identity embedded in an id_token.
type UserInfo struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// ParseUserInfo extracts the user identity from an id_token without
// signature verification. The token comes straight from Google over TLS;
// this is a decode, not an authentication.
func ParseUserInfo(idToken string) (*UserInfo, error) {
	if idToken == "" {
		return nil, errors.New(errors.KindDomain, "google.userinfo", "empty id token")
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return nil, errors.Wrap(errors.KindDomain, "google.userinfo", "parse id token", err)
	}
	info := &UserInfo{}
	if v, ok := claims["email"].(string); ok {
		info.Email = v
	}
	if v, ok := claims["name"].(string); ok {
		info.Name = v
	}
	if v, ok := claims["picture"].(string); ok {
		info.Picture = v
	}
	if info.Email == "" {
		return nil, errors.New(errors.KindDomain, "google.userinfo", "id token carries no email claim")
	}
	return info, nil
}

// FetchQuota reads the live per-model quota for the given access token.
func (c *Client) FetchQuota(ctx context.Context, accessToken string) (*account.Quota, error) {
	projectID := c.fetchProjectID(ctx, accessToken)

	payload := map[string]interface{}{}
	if projectID != "" {
		payload["project"] = projectID
	}
	body, err := c.postJSON(ctx, c.endpoints.Quota, accessToken, payload, "google.quota")
	if err != nil {
		return nil, err
	}

	var raw struct {
		Models map[string]struct {
			QuotaInfo *struct {
				RemainingFraction float64 `json:"remainingFraction"`
				ResetTime         string  `json:"resetTime"`
			} `json:"quotaInfo"`
		} `json:"models"`
	}
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(errors.KindDomain, "google.quota", "parse quota response", err)
	}

	quota := &account.Quota{Models: map[string]account.ModelQuota{}}
	for name, info := range raw.Models {
		if info.QuotaInfo == nil {
			continue
		}
		quota.Models[name] = account.ModelQuota{
			Percentage: int(info.QuotaInfo.RemainingFraction * 100),
			ResetTime:  info.QuotaInfo.ResetTime,
		}
	}
	return quota, nil
}

// QuotaCached returns the cached quota for an account, fetching on miss.
// Concurrent misses for the same account collapse into one upstream call.
func (c *Client) QuotaCached(ctx context.Context, accountID, accessToken string) (*account.Quota, error) {
	if item := c.quotaCache.Get(accountID); item != nil {
		return item.Value(), nil
	}
	v, err, _ := c.group.Do(accountID, func() (interface{}, error) {
		quota, err := c.FetchQuota(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		c.quotaCache.Set(accountID, quota, ttlcache.DefaultTTL)
		return quota, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*account.Quota), nil
}

// InvalidateQuota drops the cached quota after a forced refresh or switch.
func (c *Client) InvalidateQuota(accountID string) {
	c.quotaCache.Delete(accountID)
}

// fetchProjectID asks Cloud Code for the companion project. Absence is not
// an error; the quota endpoint accepts an empty payload.
func (c *Client) fetchProjectID(ctx context.Context, accessToken string) string {
	body, err := c.postJSON(ctx, c.endpoints.LoadProject, accessToken,
		map[string]interface{}{"metadata": map[string]string{"ideType": "ANTIGRAVITY"}}, "google.project")
	if err != nil {
		c.logger.DebugTag("google", "load project failed: %v", err)
		return ""
	}
	var parsed struct {
		Project string `json:"cloudaicompanionProject"`
	}
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Project
}

func (c *Client) postJSON(ctx context.Context, endpoint, accessToken string, payload interface{}, op string) ([]byte, error) {
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.KindDomain, op, "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(errors.KindDomain, op, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	return c.do(req, op)
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindDomain, op, "http request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.Wrap(errors.KindDomain, op, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, errors.New(errors.KindDomain, op,
			fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, snippet))
	}
	return body, nil
}
