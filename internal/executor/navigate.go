package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/captcha"
	"github.com/JakeFAU/apply-orchestrator/internal/session"
	"github.com/JakeFAU/apply-orchestrator/internal/sessionstate"
)

// NavigateConfig controls the navigate executor.
type NavigateConfig struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is waited after the body is ready so client-side scripts can run.
	SettleDelay time.Duration
	Screenshot  bool
	// ScreenshotQuality below 100 produces a JPEG; 100 produces a PNG.
	ScreenshotQuality int
}

// Navigate opens the job URL in a new tab of the session's browser, restores saved
// authentication, solves a CAPTCHA when one is present and captures a screenshot.
type Navigate struct {
	cfg    NavigateConfig
	solver captcha.Solver
	logger *zap.Logger
}

// NewNavigate builds the navigate executor. solver may be nil, in which case a page
// with a CAPTCHA fails with CategoryCaptcha.
func NewNavigate(cfg NavigateConfig, solver captcha.Solver, logger *zap.Logger) *Navigate {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.ScreenshotQuality <= 0 || cfg.ScreenshotQuality > 100 {
		cfg.ScreenshotQuality = 90
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Navigate{cfg: cfg, solver: solver, logger: logger.Named("navigate")}
}

// Execute implements Executor.
func (n *Navigate) Execute(ctx context.Context, sess *session.Session, job apply.Job) apply.Outcome {
	if sess == nil || sess.Handle == nil {
		return apply.Outcome{Err: errors.New("session has no browser")}
	}

	tabCtx, tabCancel := chromedp.NewContext(sess.Handle.Context())
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, n.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	auth := AuthFrom(ctx)
	var finalURL string
	actions := []chromedp.Action{
		n.setupAction(auth),
		chromedp.Navigate(job.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if auth != nil && len(auth.LocalStorage) > 0 {
		actions = append(actions, restoreLocalStorage(auth.LocalStorage))
	}
	if n.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(n.cfg.SettleDelay))
	}
	actions = append(actions, chromedp.Location(&finalURL))
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return apply.Outcome{Err: fmt.Errorf("navigate %s: %w", job.URL, err)}
	}

	status, responseURL := meta.snapshot()
	if err := statusError(status); err != nil {
		return apply.Outcome{Err: err}
	}
	if finalURL == "" {
		finalURL = responseURL
	}
	if isExternalRedirect(job.URL, finalURL) {
		return apply.Outcome{Err: &apply.TaskError{
			Category: apply.CategoryExternalRedirect,
			Msg:      fmt.Sprintf("redirected off platform to %s", finalURL),
		}}
	}

	outcome := apply.Outcome{Success: true}
	solved, err := n.handleCaptcha(tabCtx, finalURL)
	if err != nil {
		return apply.Outcome{Err: err}
	}
	outcome.CaptchaSolved = solved

	if n.cfg.Screenshot {
		shot, err := n.screenshot(tabCtx)
		if err != nil {
			n.logger.Warn("screenshot failed", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			outcome.Artifacts = append(outcome.Artifacts, shot)
		}
	}
	return outcome
}

func (n *Navigate) setupAction(auth *sessionstate.State) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if n.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(n.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if auth == nil {
			return nil
		}
		if len(auth.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(auth.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if len(auth.Cookies) > 0 {
			if err := network.SetCookies(cookieParams(auth.Cookies)).Do(ctx); err != nil {
				return fmt.Errorf("set cookies: %w", err)
			}
		}
		return nil
	})
}

func (n *Navigate) handleCaptcha(ctx context.Context, pageURL string) (bool, error) {
	var found detectedCaptcha
	if err := chromedp.Run(ctx, chromedp.Evaluate(detectCaptchaScript, &found)); err != nil {
		return false, fmt.Errorf("detect captcha: %w", err)
	}
	challenge, ok := found.challenge(pageURL)
	if !ok {
		return false, nil
	}
	if n.solver == nil {
		return false, &apply.TaskError{Category: apply.CategoryCaptcha, Msg: fmt.Sprintf("%s challenge and no solver configured", challenge.Kind)}
	}
	token, err := n.solver.Solve(ctx, challenge)
	if err != nil {
		return false, &apply.TaskError{Category: apply.CategoryCaptcha, Msg: "captcha not solved", Err: err}
	}
	if err := chromedp.Run(ctx, chromedp.Evaluate(injectTokenScript(challenge.Kind, token), nil)); err != nil {
		return false, fmt.Errorf("inject captcha token: %w", err)
	}
	n.logger.Debug("captcha solved", zap.String("kind", string(challenge.Kind)), zap.String("url", pageURL))
	return true, nil
}

func (n *Navigate) screenshot(ctx context.Context) (apply.Artifact, error) {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.FullScreenshot(&buf, n.cfg.ScreenshotQuality)); err != nil {
		return apply.Artifact{}, fmt.Errorf("capture screenshot: %w", err)
	}
	if n.cfg.ScreenshotQuality == 100 {
		return apply.Artifact{Name: "screenshot.png", ContentType: "image/png", Data: buf}, nil
	}
	return apply.Artifact{Name: "screenshot.jpg", ContentType: "image/jpeg", Data: buf}, nil
}

// statusError maps a document status code to a TaskError. Zero means no response was observed.
func statusError(status int) error {
	if status < http.StatusBadRequest {
		return nil
	}
	return &apply.TaskError{StatusCode: status, Msg: http.StatusText(status)}
}

// isExternalRedirect reports whether the final URL left the job's site. Moving between
// subdomains of the same registrable suffix (jobs.example.com → www.example.com) does not count.
func isExternalRedirect(jobURL, finalURL string) bool {
	if finalURL == "" || strings.HasPrefix(finalURL, "about:") {
		return false
	}
	from, err := url.Parse(jobURL)
	if err != nil {
		return false
	}
	to, err := url.Parse(finalURL)
	if err != nil || to.Hostname() == "" {
		return false
	}
	return siteOf(from.Hostname()) != siteOf(to.Hostname())
}

func siteOf(host string) string {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

func cookieParams(cookies []sessionstate.Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires)
			p.Expires = &exp
		}
		out = append(out, p)
	}
	return out
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}

func restoreLocalStorage(values map[string]string) chromedp.Action {
	payload, _ := json.Marshal(values)
	script := fmt.Sprintf(`(() => { const v = %s; for (const k in v) { localStorage.setItem(k, v[k]); } return true; })()`, payload)
	return chromedp.Evaluate(script, nil)
}

const detectCaptchaScript = `(() => {
  const pick = (sel, kind) => {
    const el = document.querySelector(sel);
    return el ? { kind: kind, sitekey: el.getAttribute('data-sitekey') || '' } : null;
  };
  return pick('.g-recaptcha[data-sitekey], iframe[src*="recaptcha"]', 'recaptcha_v2')
    || pick('.h-captcha[data-sitekey], iframe[src*="hcaptcha"]', 'hcaptcha')
    || pick('.cf-turnstile[data-sitekey]', 'turnstile')
    || { kind: '', sitekey: '' };
})()`

type detectedCaptcha struct {
	Kind    string `json:"kind"`
	SiteKey string `json:"sitekey"`
}

func (d detectedCaptcha) challenge(pageURL string) (captcha.Challenge, bool) {
	if d.Kind == "" {
		return captcha.Challenge{}, false
	}
	return captcha.Challenge{Kind: captcha.Kind(d.Kind), SiteKey: d.SiteKey, PageURL: pageURL}, true
}

func injectTokenScript(kind captcha.Kind, token string) string {
	field := "g-recaptcha-response"
	switch kind {
	case captcha.KindHCaptcha:
		field = "h-captcha-response"
	case captcha.KindTurnstile:
		field = "cf-turnstile-response"
	}
	quoted, _ := json.Marshal(token)
	return fmt.Sprintf(`(() => {
  const t = %s;
  document.querySelectorAll('[name="%s"], #%s').forEach(el => { el.value = t; el.innerHTML = t; });
  return true;
})()`, quoted, field, field)
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Frames load documents too; the first one is the page itself.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}
