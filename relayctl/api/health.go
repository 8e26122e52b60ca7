package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

func (c *Client) Health() (Health, error) {
	var h Health
	return h, c.do(http.MethodGet, "/nodehealth", nil, &h)
}

// Liveness reports the probe result. A 503 is a valid "false" answer.
func (c *Client) Liveness() (bool, error) {
	var r struct {
		Alive bool `json:"alive"`
	}
	err := c.probe("/health/liveness", &r)
	return r.Alive, err
}

func (c *Client) Readiness() (bool, string, error) {
	var r struct {
		Ready  bool   `json:"ready"`
		Reason string `json:"reason"`
	}
	err := c.probe("/health/readiness", &r)
	return r.Ready, r.Reason, err
}

func (c *Client) probe(path string, out interface{}) error {
	err := c.do(http.MethodGet, path, nil, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return json.Unmarshal([]byte(apiErr.Body), out)
	}
	return err
}
