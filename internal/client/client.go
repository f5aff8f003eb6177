// Package client 封装聊天服务的 REST API（历史与提交）和实时推送流。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hiop5155/chat-app/internal/models"
	"github.com/hiop5155/chat-app/internal/service"
)

// DefaultTypingIdle 是最后一次按键后发送 stop_typing 的等待时长。
const DefaultTypingIdle = 5 * time.Second

type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	TypingIdle time.Duration
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		http:       &http.Client{Timeout: 10 * time.Second},
		TypingIdle: DefaultTypingIdle,
	}
}

// APIError 表示服务端返回的非 2xx 响应。
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%d: %s (%s)", e.Status, e.Message, e.Field)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error, Field: e.Field}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListMessages 拉取全部历史，最早的在前。
func (c *Client) ListMessages(ctx context.Context) ([]models.Message, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Send 提交消息并返回服务端保存后的记录。
func (c *Client) Send(ctx context.Context, in service.SubmitInput) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", in, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) Online(ctx context.Context) (int, error) {
	var out struct {
		Online int `json:"online"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/online", nil, &out); err != nil {
		return 0, err
	}
	return out.Online, nil
}
