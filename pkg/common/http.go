package common

import (
	_ "embed"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the build version baked into the binary.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "solcurb/" + Version(),
		},
		Timeout: timeout,
	}
}

// SessionHTTPClient is HTTPClient plus an in-memory cookie jar, for vendor
// APIs that track the login session in cookies.
func SessionHTTPClient(timeout time.Duration) *http.Client {
	c := HTTPClient(timeout)
	// cookiejar.New never fails with nil options
	jar, _ := cookiejar.New(nil)
	c.Jar = jar
	return c
}
