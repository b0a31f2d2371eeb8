package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/chromedp/chromedp"
)

// LauncherConfig selects and configures a launcher.
type LauncherConfig struct {
	// Driver is "local" or "cloud".
	Driver    string
	Headless  bool
	UserAgent string
	ExecPath  string
	Cloud     CloudConfig
}

// CloudConfig points at a browser-as-a-service websocket endpoint.
type CloudConfig struct {
	WSURL     string
	APIKey    string
	ProjectID string
}

const defaultCloudWSURL = "wss://connect.browserbase.com"

// NewLauncher picks the launcher variant once, at construction.
func NewLauncher(cfg LauncherConfig) (Launcher, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "local":
		return &LocalLauncher{cfg: cfg}, nil
	case "cloud":
		if cfg.Cloud.APIKey == "" {
			return nil, errors.New("cloud session driver requires an api key")
		}
		if cfg.Cloud.WSURL == "" {
			cfg.Cloud.WSURL = defaultCloudWSURL
		}
		return &CloudLauncher{cfg: cfg.Cloud}, nil
	default:
		return nil, fmt.Errorf("unknown session driver %q", cfg.Driver)
	}
}

// LocalLauncher runs Chrome on this host through chromedp's exec allocator.
type LocalLauncher struct {
	cfg LauncherConfig
}

// Launch starts a local browser, optionally routed through proxyURL.
func (l *LocalLauncher) Launch(ctx context.Context, proxyURL string) (Handle, error) {
	return startBrowser(ctx, l.allocatorOptions(proxyURL), nil, proxyURL)
}

func (l *LocalLauncher) allocatorOptions(proxyURL string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if server := proxyServer(proxyURL); server != "" {
		opts = append(opts, chromedp.ProxyServer(server))
	}
	return opts
}

// proxyServer strips credentials; Chrome's --proxy-server flag does not accept them.
func proxyServer(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return ""
	}
	u.User = nil
	return u.String()
}

// CloudLauncher connects to a remote browser over the DevTools websocket protocol.
// The provider manages egress, so proxies are not applied.
type CloudLauncher struct {
	cfg CloudConfig
}

// Launch opens a remote browser session.
func (c *CloudLauncher) Launch(ctx context.Context, _ string) (Handle, error) {
	wsURL, err := c.connectURL()
	if err != nil {
		return nil, err
	}
	return startBrowser(ctx, nil, &wsURL, "")
}

func (c *CloudLauncher) connectURL() (string, error) {
	u, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return "", fmt.Errorf("parse cloud ws url: %w", err)
	}
	q := u.Query()
	q.Set("apiKey", c.cfg.APIKey)
	if c.cfg.ProjectID != "" {
		q.Set("projectId", c.cfg.ProjectID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type browserHandle struct {
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	proxy         string
}

func (h *browserHandle) Context() context.Context { return h.ctx }

func (h *browserHandle) Proxy() string { return h.proxy }

func (h *browserHandle) Close() error {
	err := chromedp.Cancel(h.ctx)
	h.browserCancel()
	h.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// startBrowser allocates either a local (execOpts) or remote (wsURL) browser and
// runs an empty action list so the process is up before the session is loaned.
// The browser outlives ctx; ctx only bounds startup.
func startBrowser(ctx context.Context, execOpts []chromedp.ExecAllocatorOption, wsURL *string, proxyURL string) (Handle, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if wsURL != nil {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), *wsURL, chromedp.NoModifyURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), execOpts...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stopped := stop()
	if err != nil || !stopped {
		browserCancel()
		allocCancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &browserHandle{
		ctx:           browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		proxy:         proxyURL,
	}, nil
}
