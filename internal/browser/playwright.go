package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightLauncher runs Chromium through playwright-go.
type PlaywrightLauncher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    Options
}

// StartPlaywright starts the Playwright driver and launches Chromium.
func StartPlaywright(opts Options) (*PlaywrightLauncher, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &PlaywrightLauncher{pw: pw, browser: b, opts: opts}, nil
}

// NewPage opens a page in a fresh browser context, so local storage is never
// shared between pages.
func (l *PlaywrightLauncher) NewPage(ctx context.Context) (Page, error) {
	bctx, err := l.browser.NewContext()
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	ms := float64(l.opts.DefaultTimeout.Milliseconds())
	bctx.SetDefaultTimeout(ms)
	bctx.SetDefaultNavigationTimeout(ms)

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	return &PlaywrightPage{page: page, context: bctx, fallback: l.opts.DefaultTimeout}, nil
}

func (l *PlaywrightLauncher) Close() error {
	var errs []error
	if l.browser != nil {
		errs = append(errs, l.browser.Close())
	}
	if l.pw != nil {
		errs = append(errs, l.pw.Stop())
	}
	return errors.Join(errs...)
}

// PlaywrightPage implements Page on a playwright.Page.
type PlaywrightPage struct {
	page     playwright.Page
	context  playwright.BrowserContext
	fallback time.Duration
}

// WrapPlaywright adapts an existing playwright page.
func WrapPlaywright(page playwright.Page, fallback time.Duration) *PlaywrightPage {
	return &PlaywrightPage{page: page, fallback: fallback}
}

// Raw exposes the underlying page for assertions the Page interface does not cover.
func (p *PlaywrightPage) Raw() playwright.Page { return p.page }

func (p *PlaywrightPage) timeoutMS(ctx context.Context) *float64 {
	return playwright.Float(float64(remaining(ctx, p.fallback).Milliseconds()))
}

func (p *PlaywrightPage) locator(q Query) playwright.Locator {
	css := q.CSS
	if css == "" && q.Text == nil {
		css = "*"
	}

	var loc playwright.Locator
	if q.Scope != "" {
		root := p.page.Locator(q.Scope).First()
		switch {
		case q.Text != nil && css == "":
			loc = root.GetByText(q.Text)
		default:
			loc = root.Locator(css)
		}
	} else {
		switch {
		case q.Text != nil && css == "":
			loc = p.page.GetByText(q.Text)
		default:
			loc = p.page.Locator(css)
		}
	}
	if q.Text != nil && css != "" {
		loc = loc.Filter(playwright.LocatorFilterOptions{HasText: q.Text})
	}
	return loc
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "not attached to the DOM") || strings.Contains(msg, "detached") {
		return fmt.Errorf("%w: %v", ErrDetached, err)
	}
	return err
}

func (p *PlaywrightPage) Goto(ctx context.Context, url string) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   p.timeoutMS(ctx),
	})
	return classify(err)
}

func (p *PlaywrightPage) URL(ctx context.Context) (string, error) {
	return p.page.URL(), nil
}

func (p *PlaywrightPage) Count(ctx context.Context, q Query) (int, error) {
	n, err := p.locator(q).Count()
	return n, classify(err)
}

func (p *PlaywrightPage) WaitActionable(ctx context.Context, q Query) error {
	first := p.locator(q).First()
	err := first.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: p.timeoutMS(ctx),
	})
	if err != nil {
		return classify(err)
	}
	for {
		enabled, err := first.IsEnabled(playwright.LocatorIsEnabledOptions{Timeout: p.timeoutMS(ctx)})
		if err != nil {
			return classify(err)
		}
		if enabled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *PlaywrightPage) Click(ctx context.Context, q Query) error {
	return classify(p.locator(q).First().Click(playwright.LocatorClickOptions{Timeout: p.timeoutMS(ctx)}))
}

func (p *PlaywrightPage) Fill(ctx context.Context, q Query, value string) error {
	return classify(p.locator(q).First().Fill(value, playwright.LocatorFillOptions{Timeout: p.timeoutMS(ctx)}))
}

func (p *PlaywrightPage) Submit(ctx context.Context, q Query) error {
	_, err := p.locator(q).First().Evaluate(`(el) => {
		const form = el.tagName === "FORM" ? el : el.closest("form");
		if (!form) throw new Error("element is not inside a form");
		form.requestSubmit();
	}`, nil, playwright.LocatorEvaluateOptions{Timeout: p.timeoutMS(ctx)})
	return classify(err)
}

func (p *PlaywrightPage) SelectOption(ctx context.Context, q Query, value string) error {
	first := p.locator(q).First()
	_, err := first.SelectOption(playwright.SelectOptionValues{Values: &[]string{value}},
		playwright.LocatorSelectOptionOptions{Timeout: p.timeoutMS(ctx)})
	if err == nil {
		return nil
	}
	_, labelErr := first.SelectOption(playwright.SelectOptionValues{Labels: &[]string{value}},
		playwright.LocatorSelectOptionOptions{Timeout: p.timeoutMS(ctx)})
	if labelErr == nil {
		return nil
	}
	return classify(err)
}

func (p *PlaywrightPage) ScrollIntoView(ctx context.Context, q Query) error {
	return classify(p.locator(q).First().ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{
		Timeout: p.timeoutMS(ctx),
	}))
}

func (p *PlaywrightPage) Content(ctx context.Context) (string, error) {
	html, err := p.page.Content()
	return html, classify(err)
}

func (p *PlaywrightPage) Text(ctx context.Context) (string, error) {
	text, err := p.page.Locator("body").InnerText(playwright.LocatorInnerTextOptions{Timeout: p.timeoutMS(ctx)})
	return text, classify(err)
}

func (p *PlaywrightPage) LocalStorage(ctx context.Context, key string) (string, bool, error) {
	v, err := p.page.Evaluate(`(k) => localStorage.getItem(k)`, key)
	if err != nil {
		return "", false, classify(err)
	}
	s, ok := v.(string)
	return s, ok, nil
}

func (p *PlaywrightPage) SetLocalStorage(ctx context.Context, key, value string) error {
	_, err := p.page.Evaluate(`([k, v]) => localStorage.setItem(k, v)`, []string{key, value})
	return classify(err)
}

func (p *PlaywrightPage) RemoveLocalStorage(ctx context.Context, key string) error {
	_, err := p.page.Evaluate(`(k) => localStorage.removeItem(k)`, key)
	return classify(err)
}

func (p *PlaywrightPage) Screenshot(ctx context.Context) ([]byte, error) {
	buf, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Timeout:  p.timeoutMS(ctx),
	})
	return buf, classify(err)
}

func (p *PlaywrightPage) Close() error {
	err := p.page.Close()
	if p.context != nil {
		err = errors.Join(err, p.context.Close())
	}
	return err
}
