package api

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a stemrelayd HTTP API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string, insecure bool) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // dev nodes use self-signed certs
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second, Transport: tr},
	}
}

// APIError is a non-2xx reply from the node.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("node returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) Status() (Status, error) {
	var s Status
	return s, c.do(http.MethodGet, "/status", nil, &s)
}

func (c *Client) Peers() (Peers, error) {
	var p Peers
	return p, c.do(http.MethodGet, "/peers", nil, &p)
}

func (c *Client) ConnectPeer(addr string) (string, error) {
	var out map[string]string
	err := c.do(http.MethodPost, "/connect_peer", map[string]string{"address": addr}, &out)
	return out["peer"], err
}

func (c *Client) Mempool() (Mempool, error) {
	var m Mempool
	return m, c.do(http.MethodGet, "/mempool", nil, &m)
}

// RelayStats needs an operator token; stem counts are not public.
func (c *Client) RelayStats() (RelayStats, error) {
	var st RelayStats
	return st, c.do(http.MethodGet, "/relay/stats", nil, &st)
}

func (c *Client) Epoch() (Epoch, error) {
	var e Epoch
	return e, c.do(http.MethodGet, "/relay/epoch", nil, &e)
}

func (c *Client) Rotate() (Epoch, error) {
	var e Epoch
	return e, c.do(http.MethodPost, "/relay/rotate", nil, &e)
}

// Submit sends a raw JSON transaction payload for local origination.
func (c *Client) Submit(payload json.RawMessage) (SubmitResult, error) {
	var r SubmitResult
	return r, c.do(http.MethodPost, "/submit_tx", map[string]json.RawMessage{"payload": payload}, &r)
}

func (c *Client) Fluff(hash string) (FluffResult, error) {
	var r FluffResult
	return r, c.do(http.MethodPost, "/relay/fluff?hash="+url.QueryEscape(hash), nil, &r)
}

func (c *Client) Record(hash string) (RelayRecord, error) {
	var r RelayRecord
	return r, c.do(http.MethodGet, "/dev/relay_record?hash="+url.QueryEscape(hash), nil, &r)
}

func (c *Client) Audit(n int) ([]AuditEvent, error) {
	var ev []AuditEvent
	return ev, c.do(http.MethodGet, fmt.Sprintf("/audit?n=%d", n), nil, &ev)
}
