package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// Endpoint is one outbound proxy.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     string
	Username string
	Password string
}

// Address returns scheme://host:port without credentials. It identifies the endpoint.
func (e Endpoint) Address() string {
	return e.Scheme + "://" + net.JoinHostPort(e.Host, e.Port)
}

// URL returns the endpoint including credentials when present.
func (e Endpoint) URL() string {
	u := url.URL{Scheme: e.Scheme, Host: net.JoinHostPort(e.Host, e.Port)}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u.String()
}

// ParseEndpoint accepts "host:port" or "scheme://[user:pass@]host:port".
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("empty proxy address")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse proxy %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return Endpoint{}, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	host, port := u.Hostname(), u.Port()
	if host == "" || port == "" {
		return Endpoint{}, fmt.Errorf("proxy %q must include host and port", raw)
	}
	ep := Endpoint{Scheme: u.Scheme, Host: host, Port: port}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return ep, nil
}

// ParseEndpoints parses each entry, failing on the first bad one.
func ParseEndpoints(raw []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(raw))
	for _, r := range raw {
		ep, err := ParseEndpoint(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// LoadFile reads one endpoint per line. Blank lines and lines starting with # are ignored.
func LoadFile(path string) ([]Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	var out []Endpoint
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ep, err := ParseEndpoint(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}
	return out, nil
}
