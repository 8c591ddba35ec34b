package providers

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient returns a client with a short dial timeout and a longer
// overall timeout. A timeout surfaces as an ordinary transport error.
func NewHTTPClient(connectTimeout, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
