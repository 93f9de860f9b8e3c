package cas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storagegate/signing"
	"storagegate/tasks"
)

// CallbackRecorder talks to a remote record service with signed requests.
// Transport failures and 5xx answers are retried with backoff.
type CallbackRecorder struct {
	baseURL string
	user    string
	client  *http.Client
	signer  *signing.Signer
	retry   tasks.RetryConfig
}

// NewCallbackRecorder signs every request as user with signer.
func NewCallbackRecorder(baseURL, user string, signer *signing.Signer, retry tasks.RetryConfig) *CallbackRecorder {
	return &CallbackRecorder{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		user:    user,
		client:  &http.Client{Timeout: 30 * time.Second},
		signer:  signer,
		retry:   retry,
	}
}

type remoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *CallbackRecorder) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	permissions := "read"
	if method != http.MethodGet {
		permissions = "write"
	}

	return tasks.Do(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return tasks.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.signer.Sign(req, payload, signing.Identity{User: c.user, Resource: target, Permissions: permissions})

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil || len(body) == 0 {
				return nil
			}
			return tasks.Permanent(json.Unmarshal(body, out))
		case resp.StatusCode == http.StatusNotFound:
			return tasks.Permanent(ErrRecordNotFound)
		case resp.StatusCode == http.StatusConflict:
			return tasks.Permanent(ErrRecordExists)
		}
		var re remoteError
		_ = json.Unmarshal(body, &re)
		err = fmt.Errorf("record service %s %s: %d %s", method, path, resp.StatusCode, re.Message)
		if resp.StatusCode < 500 {
			return tasks.Permanent(err)
		}
		return err
	})
}

func (c *CallbackRecorder) Commit(ctx context.Context, rec Record) (bool, error) {
	var out struct {
		Created bool `json:"created"`
	}
	err := c.call(ctx, http.MethodPost, "/records", nil, rec, &out)
	return out.Created, err
}

func (c *CallbackRecorder) Lookup(ctx context.Context, name string) (*Record, error) {
	var rec Record
	if err := c.call(ctx, http.MethodGet, "/records", url.Values{"name": {name}}, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *CallbackRecorder) List(ctx context.Context, folder string) ([]Record, error) {
	var out []Record
	err := c.call(ctx, http.MethodGet, "/records/children", url.Values{"folder": {folder}}, nil, &out)
	return out, err
}

func (c *CallbackRecorder) Versions(ctx context.Context, name string) ([]Record, error) {
	var out []Record
	err := c.call(ctx, http.MethodGet, "/records/versions", url.Values{"name": {name}}, nil, &out)
	return out, err
}

func (c *CallbackRecorder) Remove(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodDelete, "/records", url.Values{"name": {name}}, nil, nil)
}

func (c *CallbackRecorder) MakeFolder(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodPost, "/records/folders", url.Values{"name": {name}}, nil, nil)
}
