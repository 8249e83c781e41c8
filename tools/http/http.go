// Package http implements the http tool category (spec.md §4.11): making
// outbound HTTP requests on the agent's behalf, with SSRF protections
// restricting requests away from loopback, link-local, and private address
// ranges unless explicitly allow-listed.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/registry"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 5 * 1024 * 1024
)

// Config controls the SSRF allow/deny posture for outbound requests,
// grounded on the original implementation's HttpConfig: a denylist of
// address ranges that always applies, plus an optional allowlist of hosts
// that may be reached even though they resolve into a private range (for
// talking to an internal service deliberately).
type Config struct {
	AllowedHosts   []string
	AllowPrivateIP bool
	Timeout        time.Duration
}

// DefaultConfig returns the restrictive default: no private-network
// access, no allowlist, a 15s timeout.
func DefaultConfig() Config {
	return Config{Timeout: defaultTimeout}
}

// Client implements registry.Tool for the http category's get/post/put/delete
// operations via a single parameterized tool.
type Client struct {
	Config Config
	method string
	name   string
}

// NewGet, NewPost, NewPut, and NewDelete each return a Client fixed to one
// HTTP method, matching the original implementation's one-tool-per-verb
// surface.
func NewGet(cfg Config) Client    { return Client{Config: cfg, method: http.MethodGet, name: "get"} }
func NewPost(cfg Config) Client   { return Client{Config: cfg, method: http.MethodPost, name: "post"} }
func NewPut(cfg Config) Client    { return Client{Config: cfg, method: http.MethodPut, name: "put"} }
func NewDelete(cfg Config) Client { return Client{Config: cfg, method: http.MethodDelete, name: "delete"} }

func (c Client) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "http",
		Name:        c.name,
		Description: fmt.Sprintf("Make an outbound HTTP %s request.", c.method),
		Params: []registry.ParamSchema{
			{Name: "url", Type: "string", Required: true},
			{Name: "headers", Type: "object", Required: false},
			{Name: "body", Type: "string", Required: false},
		},
	}
}

func (c Client) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "http.request"

	rawURL, ok := params["url"].(string)
	if !ok || rawURL == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, core.NewError(core.KindInvalidParam, op, "invalid url: "+err.Error())
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, core.NewError(core.KindInvalidParam, op, "url scheme must be http or https")
	}

	if err := c.checkSSRF(ctx, parsed); err != nil {
		return nil, err
	}

	var body io.Reader
	if b, ok := params["body"].(string); ok && b != "" {
		body = bytes.NewBufferString(b)
	}

	timeout := c.Config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, c.method, parsed.String(), body)
	if err != nil {
		return nil, core.Wrap(core.KindInvalidParam, op, err)
	}
	if headers, ok := params["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	// A fresh transport with redirects disabled: following a redirect could
	// silently carry the request into a private address the initial URL
	// check never saw.
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, core.NewError(core.KindTimeout, op, "request exceeded timeout")
		}
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBody)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     flattenHeaders(resp.Header),
		"body":        string(respBody),
	}, nil
}

// checkSSRF rejects requests whose host resolves to loopback, link-local,
// or RFC1918 private address space, unless the host is explicitly
// allow-listed or AllowPrivateIP is set. Grounded on the original
// implementation's HttpConfig denylist.
func (c Client) checkSSRF(ctx context.Context, u *url.URL) error {
	const op = "http.ssrf_check"

	host := u.Hostname()
	for _, allowed := range c.Config.AllowedHosts {
		if strings.EqualFold(allowed, host) {
			return nil
		}
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return core.NewError(core.KindInvalidParam, op, "could not resolve host: "+host)
	}

	if c.Config.AllowPrivateIP {
		return nil
	}

	for _, ip := range ips {
		if isBlockedAddress(ip.IP) {
			return core.NewError(core.KindSecurity, op,
				fmt.Sprintf("request to %s resolves to a disallowed address range (%s)", host, ip.IP))
		}
	}
	return nil
}

func isBlockedAddress(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, cidr := range privateCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

var privateCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
	"100.64.0.0/10", // carrier-grade NAT, commonly used for cloud metadata endpoints
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
