// Package api 封装与会话后端的 HTTP API 交互
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GuestHeader 匿名访客标识请求头
const GuestHeader = "X-Guest-ID"

// 通用错误
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// Error 服务端返回的业务错误
type Error struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("API 错误 (http %d, code %d): %s", e.HTTPStatus, e.Code, e.Message)
}

// Is 支持 errors.Is(err, ErrUnauthorized) 等判断
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.HTTPStatus == http.StatusUnauthorized
	case ErrNotFound:
		return e.HTTPStatus == http.StatusNotFound
	}
	return false
}

// Credentials 提供请求凭证
// 有 Token 时使用 Bearer，否则携带访客标识
type Credentials interface {
	Token() string
	GuestID() string
}

// Client API 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      Credentials
}

// NewClient 创建 API 客户端
// baseURL: 例如 http://localhost:8080
func NewClient(baseURL string, creds Credentials) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		creds:      creds,
	}
}

// WithHTTPClient 替换底层 HTTP 客户端（测试使用）
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// --- 通用响应 ---
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// --- 通用请求封装 ---
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	if body == nil {
		body = struct{}{}
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &Error{HTTPStatus: resp.StatusCode, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("解析响应失败: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest || env.Code != 0 {
		return &Error{HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("解析响应数据失败: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.creds == nil {
		return
	}
	if token := c.creds.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	if guest := c.creds.GuestID(); guest != "" {
		req.Header.Set(GuestHeader, guest)
	}
}

func pageQuery(page, pageSize int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	return q
}
