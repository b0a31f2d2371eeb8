package apply

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a job URL so the same posting always yields the same key.
// It lowercases the scheme and host, removes default ports, drops fragments and
// tracking parameters, and sorts the remaining query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	switch {
	case strings.HasPrefix(k, "utm_"):
		return true
	case k == "gclid", k == "fbclid", k == "ref", k == "trk", k == "refid":
		return true
	default:
		return false
	}
}

// DedupKey hashes the normalized URL into a stable job ID.
func DedupKey(hasher Hasher, rawURL string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	key, err := hasher.Hash([]byte(normalized))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	return key, nil
}

// NewJob builds a pending job whose ID is the dedup key of its URL.
func NewJob(hasher Hasher, clock Clock, platform, rawURL string, payload map[string]string) (Job, error) {
	if strings.TrimSpace(platform) == "" {
		return Job{}, errors.New("platform is required")
	}
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return Job{}, err
	}
	id, err := DedupKey(hasher, normalized)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:        id,
		Platform:  platform,
		URL:       normalized,
		Payload:   payload,
		CreatedAt: clock.Now(),
		Status:    JobStatusPending,
	}, nil
}
