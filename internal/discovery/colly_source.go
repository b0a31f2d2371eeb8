package discovery

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Listing describes one listing page to scrape.
type Listing struct {
	Platform string `mapstructure:"platform" yaml:"platform"`
	URL      string `mapstructure:"url" yaml:"url"`
	// LinkPattern selects posting links among the page's anchors.
	LinkPattern string `mapstructure:"link_pattern" yaml:"link_pattern"`
	// NextSelector, when set, is followed to further listing pages up to MaxPages.
	NextSelector string `mapstructure:"next_selector" yaml:"next_selector"`
	MaxPages     int    `mapstructure:"max_pages" yaml:"max_pages"`
}

// CollyConfig controls the scraper.
type CollyConfig struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Parallelism   int
	Delay         time.Duration
}

// CollySource scrapes listing pages for posting links.
type CollySource struct {
	cfg      CollyConfig
	listings []compiledListing
	logger   *zap.Logger
}

type compiledListing struct {
	Listing
	pattern *regexp.Regexp
}

// NewCollySource validates the listings and builds a source.
func NewCollySource(cfg CollyConfig, listings []Listing, logger *zap.Logger) (*CollySource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	compiled := make([]compiledListing, 0, len(listings))
	for _, l := range listings {
		if l.Platform == "" || l.URL == "" {
			return nil, fmt.Errorf("listing %q: platform and url are required", l.URL)
		}
		pattern := l.LinkPattern
		if pattern == "" {
			pattern = ".*"
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("listing %s: compile link pattern: %w", l.URL, err)
		}
		if l.MaxPages <= 0 {
			l.MaxPages = 1
		}
		compiled = append(compiled, compiledListing{Listing: l, pattern: re})
	}
	return &CollySource{cfg: cfg, listings: compiled, logger: logger.Named("colly_source")}, nil
}

// Name implements Source.
func (s *CollySource) Name() string { return "colly" }

// Discover visits every listing and returns the posting links it found.
func (s *CollySource) Discover(ctx context.Context) ([]Candidate, error) {
	var (
		mu    sync.Mutex
		found []Candidate
		seen  = make(map[string]struct{})
	)
	for _, l := range s.listings {
		if err := ctx.Err(); err != nil {
			return found, fmt.Errorf("discover: %w", err)
		}
		collector := s.newCollector(ctx)
		listing := l
		pages := 0

		collector.OnResponse(func(*colly.Response) {
			mu.Lock()
			pages++
			mu.Unlock()
		})
		collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
			link := e.Request.AbsoluteURL(e.Attr("href"))
			if link == "" || !listing.pattern.MatchString(link) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if _, dup := seen[link]; dup {
				return
			}
			seen[link] = struct{}{}
			found = append(found, Candidate{Platform: listing.Platform, URL: link})
		})
		if listing.NextSelector != "" {
			collector.OnHTML(listing.NextSelector, func(e *colly.HTMLElement) {
				mu.Lock()
				more := pages < listing.MaxPages
				mu.Unlock()
				if !more {
					return
				}
				next := e.Request.AbsoluteURL(e.Attr("href"))
				if next == "" {
					return
				}
				if err := e.Request.Visit(next); err != nil {
					s.logger.Debug("next page not visited", zap.String("url", next), zap.Error(err))
				}
			})
		}
		collector.OnError(s.handleError)

		if err := collector.Visit(listing.URL); err != nil {
			s.logger.Error("failed to visit listing", zap.String("url", listing.URL), zap.Error(err))
			continue
		}
		collector.Wait()
	}
	return found, nil
}

func (s *CollySource) newCollector(ctx context.Context) *colly.Collector {
	collector := colly.NewCollector(colly.Async(true))
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.AllowURLRevisit = false
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobots
	collector.SetRequestTimeout(s.cfg.Timeout)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: s.cfg.Parallelism,
		Delay:       s.cfg.Delay,
	}); err != nil {
		s.logger.Warn("failed to set collector limits", zap.Error(err))
	}
	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	return collector
}

func (s *CollySource) handleError(r *colly.Response, err error) {
	msg := "listing request failed"
	switch r.StatusCode {
	case 429:
		msg = "listing rate limited"
	case 403:
		msg = "listing forbidden"
	}
	s.logger.Warn(msg,
		zap.String("url", r.Request.URL.String()),
		zap.Int("status_code", r.StatusCode),
		zap.Error(err),
	)
}
