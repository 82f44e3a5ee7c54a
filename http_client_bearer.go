package main

import (
	"fmt"
	"net/http"
)

// HttpTransportWithBearer wraps a RoundTripper to add the Authorization header.
type HttpTransportWithBearer struct {
	BaseTransport http.RoundTripper
	Token         string
}

// RoundTrip clones the request and sets the bearer token, leaving headers set by the caller otherwise untouched.
func (t *HttpTransportWithBearer) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())
	reqClone.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.Token))

	base := t.BaseTransport
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(reqClone)
}

// NewHttpClientWithBearerTransport returns a client for token-protected Ollama servers
func NewHttpClientWithBearerTransport(token string) *http.Client {
	return &http.Client{
		Transport: &HttpTransportWithBearer{
			BaseTransport: http.DefaultTransport,
			Token:         token,
		},
	}
}
