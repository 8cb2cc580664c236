package edgeserve

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

const defaultKVAPIBase = "https://api.cloudflare.com/client/v4"

// KVProxyClient implements KVStore by proxying reads and writes to a real
// remote KV namespace over its REST API. Values are not cached: every script
// operation is one round trip, so local runs observe live data.
type KVProxyClient struct {
	base        string
	cred        Credential
	namespaceID string
	client      *http.Client
}

// NewKVProxyClient builds a proxy for one namespace using cred for auth.
func NewKVProxyClient(cred Credential, namespaceID string) *KVProxyClient {
	return &KVProxyClient{
		base:        defaultKVAPIBase,
		cred:        cred,
		namespaceID: namespaceID,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// WithBaseURL overrides the API endpoint. Used by tests.
func (c *KVProxyClient) WithBaseURL(base string) *KVProxyClient {
	c.base = strings.TrimRight(base, "/")
	return c
}

func (c *KVProxyClient) valueURL(key string) string {
	return fmt.Sprintf("%s/accounts/%s/storage/kv/namespaces/%s/values/%s",
		c.base, c.cred.AccountID, c.namespaceID, url.PathEscape(key))
}

func (c *KVProxyClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.cred.APIToken)
	return c.client.Do(req)
}

// decodeBody returns the response body, decompressing brotli when the API
// answered with Content-Encoding: br.
func decodeBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		r = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(r)
}

type kvAPIError struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func apiError(op string, resp *http.Response, body []byte) error {
	var parsed kvAPIError
	if json.Unmarshal(body, &parsed) == nil && len(parsed.Errors) > 0 {
		return fmt.Errorf("kv %s: %s (code %d, status %d)",
			op, parsed.Errors[0].Message, parsed.Errors[0].Code, resp.StatusCode)
	}
	return fmt.Errorf("kv %s: unexpected status %d", op, resp.StatusCode)
}

func (c *KVProxyClient) Get(key string) (*string, error) {
	req, err := http.NewRequest(http.MethodGet, c.valueURL(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", err)
	}
	defer resp.Body.Close()
	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		s := string(body)
		return &s, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, apiError("get", resp, body)
	}
}

func (c *KVProxyClient) Put(key, value string, ttl *int) error {
	u := c.valueURL(key)
	if ttl != nil {
		u += "?expiration_ttl=" + strconv.Itoa(*ttl)
	}
	req, err := http.NewRequest(http.MethodPut, u, strings.NewReader(value))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	defer resp.Body.Close()
	body, err := decodeBody(resp)
	if err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiError("put", resp, body)
	}
	return nil
}

func (c *KVProxyClient) Delete(key string) error {
	req, err := http.NewRequest(http.MethodDelete, c.valueURL(key), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	defer resp.Body.Close()
	body, err := decodeBody(resp)
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return apiError("delete", resp, body)
	}
	return nil
}

type kvListWire struct {
	Result     []KVKey `json:"result"`
	ResultInfo struct {
		Cursor string `json:"cursor"`
		Count  int    `json:"count"`
	} `json:"result_info"`
}

func (c *KVProxyClient) List(prefix string, limit int, cursor string) (*KVListResult, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u := fmt.Sprintf("%s/accounts/%s/storage/kv/namespaces/%s/keys",
		c.base, c.cred.AccountID, c.namespaceID)
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	defer resp.Body.Close()
	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError("list", resp, body)
	}
	var wire kvListWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("kv list: decode: %w", err)
	}
	keys := wire.Result
	if keys == nil {
		keys = []KVKey{}
	}
	return &KVListResult{
		Keys:         keys,
		ListComplete: wire.ResultInfo.Cursor == "",
		Cursor:       wire.ResultInfo.Cursor,
	}, nil
}

// RemoteKVProvider resolves KV namespace bindings to proxy clients.
type RemoteKVProvider struct {
	Cred Credential
	Base string
}

func (p *RemoteKVProvider) ResolveKV(namespaceID string) (KVStore, error) {
	if p.Cred.AccountID == "" || p.Cred.APIToken == "" {
		return nil, fmt.Errorf("kv namespace %s: no account credential configured", namespaceID)
	}
	c := NewKVProxyClient(p.Cred, namespaceID)
	if p.Base != "" {
		c.WithBaseURL(p.Base)
	}
	return c, nil
}
