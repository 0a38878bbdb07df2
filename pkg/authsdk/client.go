package authsdk

import (
	"net/http"
	"strings"
	"time"
)

const defaultUserAgent = "authcore-sdk/0.1"

// SDKClient is a client for the auth core's operational endpoints.
type SDKClient struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// ClientOption customises an SDKClient.
type ClientOption func(*SDKClient)

// WithHTTPClient replaces the default client, e.g. to add TLS settings.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *SDKClient) { c.HTTPClient = hc }
}

// WithUserAgent identifies the calling resource server in the auth core's
// request logs.
func WithUserAgent(ua string) ClientOption {
	return func(c *SDKClient) { c.UserAgent = ua }
}

// NewSDKClient creates a new auth service client.
func NewSDKClient(baseURL string, opts ...ClientOption) *SDKClient {
	c := &SDKClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		UserAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
