package executor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/captcha"
	"github.com/JakeFAU/apply-orchestrator/internal/session"
	"github.com/JakeFAU/apply-orchestrator/internal/sessionstate"
)

func TestRegistryRoutesByPlatform(t *testing.T) {
	t.Parallel()

	var called []string
	mk := func(name string) Executor {
		return Func(func(context.Context, *session.Session, apply.Job) apply.Outcome {
			called = append(called, name)
			return apply.Outcome{Success: true}
		})
	}
	reg := NewRegistry(mk("default"))
	reg.Register("lever", mk("lever"))

	require.True(t, reg.Execute(context.Background(), nil, apply.Job{Platform: "lever"}).Success)
	require.True(t, reg.Execute(context.Background(), nil, apply.Job{Platform: "greenhouse"}).Success)
	require.Equal(t, []string{"lever", "default"}, called)
}

func TestRegistryWithoutExecutor(t *testing.T) {
	t.Parallel()

	out := NewRegistry(nil).Execute(context.Background(), nil, apply.Job{Platform: "x"})
	require.False(t, out.Success)
	var te *apply.TaskError
	require.ErrorAs(t, out.Err, &te)
	require.Equal(t, apply.CategoryUnknown, te.Category)
}

func TestAuthContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	require.Nil(t, AuthFrom(ctx))
	require.Equal(t, ctx, WithAuth(ctx, nil))

	st := &sessionstate.State{Platform: "lever"}
	require.Same(t, st, AuthFrom(WithAuth(ctx, st)))
}

func TestNavigateRequiresSession(t *testing.T) {
	t.Parallel()

	n := NewNavigate(NavigateConfig{}, nil, nil)
	out := n.Execute(context.Background(), &session.Session{ID: "s"}, apply.Job{URL: "https://example.com"})
	require.False(t, out.Success)
	require.Error(t, out.Err)
}

func TestNewNavigateDefaults(t *testing.T) {
	t.Parallel()

	n := NewNavigate(NavigateConfig{SettleDelay: -time.Second, ScreenshotQuality: 150}, nil, nil)
	require.Equal(t, 45*time.Second, n.cfg.NavigationTimeout)
	require.Zero(t, n.cfg.SettleDelay)
	require.Equal(t, 90, n.cfg.ScreenshotQuality)
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	require.NoError(t, statusError(0))
	require.NoError(t, statusError(http.StatusOK))
	require.NoError(t, statusError(http.StatusFound))

	err := statusError(http.StatusTooManyRequests)
	var te *apply.TaskError
	require.ErrorAs(t, err, &te)
	require.Equal(t, http.StatusTooManyRequests, te.StatusCode)
	require.Empty(t, te.Category)
}

func TestIsExternalRedirect(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to string
		want     bool
	}{
		{"https://jobs.lever.co/acme/1", "https://jobs.lever.co/acme/1/apply", false},
		{"https://boards.greenhouse.io/acme/jobs/1", "https://job-boards.greenhouse.io/acme/jobs/1", false},
		{"https://example.com/jobs/1", "https://www.example.com/jobs/1", false},
		{"https://jobs.lever.co/acme/1", "https://careers.acme.com/apply", true},
		{"https://jobs.lever.co/acme/1", "", false},
		{"https://jobs.lever.co/acme/1", "about:blank", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, isExternalRedirect(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCookieParams(t *testing.T) {
	t.Parallel()

	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	params := cookieParams([]sessionstate.Cookie{
		{Name: "li_at", Value: "v", Domain: ".linkedin.com", Secure: true, HTTPOnly: true, Expires: exp},
		{Name: "plain", Value: "p", Domain: "example.com", Path: "/jobs"},
	})
	require.Len(t, params, 2)
	require.Equal(t, "/", params[0].Path)
	require.NotNil(t, params[0].Expires)
	require.True(t, params[0].Secure)
	require.Equal(t, "/jobs", params[1].Path)
	require.Nil(t, params[1].Expires)
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.com/app.js"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 403, URL: "https://example.com/jobs/1"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://www.google.com/recaptcha/api2/anchor"},
	})
	status, url := meta.snapshot()
	require.Equal(t, 403, status)
	require.Equal(t, "https://example.com/jobs/1", url)
}

func TestDetectedCaptchaChallenge(t *testing.T) {
	t.Parallel()

	_, ok := detectedCaptcha{}.challenge("https://example.com")
	require.False(t, ok)

	ch, ok := detectedCaptcha{Kind: "hcaptcha", SiteKey: "k"}.challenge("https://example.com")
	require.True(t, ok)
	require.Equal(t, captcha.Challenge{Kind: captcha.KindHCaptcha, SiteKey: "k", PageURL: "https://example.com"}, ch)
}

func TestInjectTokenScriptEscapes(t *testing.T) {
	t.Parallel()

	script := injectTokenScript(captcha.KindTurnstile, `tok"en`)
	require.Contains(t, script, `"tok\"en"`)
	require.Contains(t, script, "cf-turnstile-response")
	require.Contains(t, injectTokenScript(captcha.KindRecaptchaV2, "x"), "g-recaptcha-response")
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var exec Executor = Func(func(context.Context, *session.Session, apply.Job) apply.Outcome {
		return apply.Outcome{Err: boom}
	})
	require.ErrorIs(t, exec.Execute(context.Background(), nil, apply.Job{}).Err, boom)
}
