package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// UserInfoClient はOIDCのUserInfoエンドポイントから利用者属性を取得する。
type UserInfoClient struct {
	client *resty.Client
	url    string
}

// NewUserInfoClient は新しいUserInfoClientを生成する。
func NewUserInfoClient(url string, timeout time.Duration) *UserInfoClient {
	client := resty.NewWithClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetHeader("Accept", "application/json")
	return &UserInfoClient{client: client, url: url}
}

// GetUserInfo はアクセストークンで利用者属性を取得する。文字列以外の値はJSON表現にする。
func (c *UserInfoClient) GetUserInfo(ctx context.Context, accessToken string) (map[string]string, error) {
	var claims map[string]any
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&claims).
		Get(c.url)
	if err != nil {
		return nil, fmt.Errorf("requesting user info: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("requesting user info: unexpected status %d", resp.StatusCode())
	}

	attrs := make(map[string]string, len(claims))
	for k, v := range claims {
		switch val := v.(type) {
		case string:
			attrs[k] = val
		case nil:
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("encoding user info claim %s: %w", k, err)
			}
			attrs[k] = string(b)
		}
	}
	return attrs, nil
}
