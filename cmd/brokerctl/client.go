package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiError is a non-2xx answer from the broker.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

// brokerClient wraps an HTTP client and the broker base URL.
type brokerClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func newBrokerClient(baseURL string) *brokerClient {
	return &brokerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
}

// doRequest performs a request and returns the response body. Statuses of
// 400 and above become an *apiError carrying the server's message.
func (c *brokerClient) doRequest(method, path string, body io.Reader) ([]byte, error) {
	target := c.baseURL + path

	req, err := http.NewRequest(method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("sending request", "method", method, "url", target)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return respBody, nil
}

// getJSON performs a GET and decodes the response into v.
func (c *brokerClient) getJSON(path string, v any) error {
	data, err := c.doRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// sendJSON performs a body-less write and decodes the response into v,
// which may be nil.
func (c *brokerClient) sendJSON(method, path string, v any) error {
	data, err := c.doRequest(method, path, nil)
	if err != nil {
		return err
	}
	if v == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// escape joins path segments, escaping each one.
func escape(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(escaped, "/")
}
