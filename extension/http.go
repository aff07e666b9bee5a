package extension

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/cocoon-run/cocoon/value"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

// HTTPConfig bounds outbound requests. An empty AllowedHosts list
// disables the provider entirely.
type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

// HTTP resolves http.* extension calls against an allow-listed set of
// hosts. Responses are truncated to MaxBodySize.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

func (h *HTTP) Methods() []string {
	return []string{"get", "post", "put", "delete", "patch", "head", "request"}
}

func (h *HTTP) Call(ctx context.Context, method string, args []value.Value) (value.Value, error) {
	p := params(args)
	switch method {
	case "get", "post", "put", "delete", "patch", "head":
		return h.request(ctx, strings.ToUpper(method), p)
	case "request":
		m := strings.ToUpper(p["method"].AsString())
		if m == "" {
			m = http.MethodGet
		}
		return h.request(ctx, m, p)
	default:
		return value.Null(), fmt.Errorf("unknown method %q", method)
	}
}

func (h *HTTP) request(ctx context.Context, method string, p map[string]value.Value) (value.Value, error) {
	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return value.Null(), fmt.Errorf("unsupported method: %s", method)
	}

	rawURL := p["url"].AsString()
	if rawURL == "" {
		return value.Null(), fmt.Errorf("url required")
	}
	if len(rawURL) > h.cfg.MaxURLLength {
		return value.Null(), fmt.Errorf("url exceeds max length")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return value.Null(), fmt.Errorf("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return value.Null(), fmt.Errorf("scheme must be http or https")
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return value.Null(), fmt.Errorf("http not enabled")
	}
	host := parsed.Hostname()
	if !h.allowedHost(host) {
		return value.Null(), fmt.Errorf("host not allowed: %s", host)
	}

	var body io.Reader
	if bodyStr := p["body"].AsString(); bodyStr != "" {
		if int64(len(bodyStr)) > h.cfg.MaxBodySize {
			return value.Null(), fmt.Errorf("request body exceeds max size")
		}
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return value.Null(), fmt.Errorf("failed to create request: %w", err)
	}
	if headers := p["headers"]; headers.Kind() == value.KindMap {
		for k, v := range headers.AsMap() {
			req.Header.Set(k, v.AsString())
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return value.Null(), fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return value.Null(), fmt.Errorf("failed to read response: %w", err)
	}

	respHeaders := make(map[string]value.Value, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			respHeaders[k] = value.String(v[0])
		}
	}

	return value.MapOf(map[string]value.Value{
		"status":  value.Number(float64(resp.StatusCode)),
		"body":    value.String(string(respBody)),
		"headers": value.MapOf(respHeaders),
	}), nil
}

// allowedHost matches hostnames against the allow list. Domain entries
// match themselves and their subdomains; IP entries match only the same
// address, compared in canonical form so IPv6 spelling variants cannot
// slip past the list. Domains never match IPs and IPs never match the
// subdomain suffix rule.
func (h *HTTP) allowedHost(host string) bool {
	hostAddr, hostErr := netip.ParseAddr(host)
	hostIsIP := hostErr == nil

	for _, allowed := range h.cfg.AllowedHosts {
		if addr, err := netip.ParseAddr(allowed); err == nil {
			if hostIsIP && hostAddr == addr {
				return true
			}
			continue
		}
		if hostIsIP {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
