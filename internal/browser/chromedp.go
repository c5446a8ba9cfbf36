package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

//go:embed query.js
var queryScript string

// ChromedpLauncher runs a headless Chrome through chromedp.
type ChromedpLauncher struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	opts          Options
}

// StartChromedp launches Chrome and keeps it running until Close.
func StartChromedp(ctx context.Context, opts Options) (*ChromedpLauncher, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	return &ChromedpLauncher{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		opts:          opts,
	}, nil
}

// NewPage opens a new tab in its own browser context, so tabs never share
// cookies or local storage. Closing the page disposes the context.
func (l *ChromedpLauncher) NewPage(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(l.browserCtx, chromedp.WithNewBrowserContext())
	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &ChromedpPage{tab: tabCtx, cancel: cancel, fallback: l.opts.DefaultTimeout}, nil
}

func (l *ChromedpLauncher) Close() error {
	l.browserCancel()
	l.allocCancel()
	return nil
}

// ChromedpPage implements Page on a chromedp tab context.
type ChromedpPage struct {
	tab      context.Context
	cancel   context.CancelFunc
	fallback time.Duration
}

// run executes actions on the tab, bounded by ctx's deadline and cancellation.
func (p *ChromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.tab, remaining(ctx, p.fallback))
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

type opResult struct {
	Count int    `json:"count"`
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (p *ChromedpPage) op(ctx context.Context, q Query, op, value string) (opResult, error) {
	var source any
	flags := ""
	if q.Text != nil {
		src, f := JSPattern(q.Text)
		source, flags = src, f
	}
	args, err := json.Marshal([]any{q.Scope, q.CSS, source, flags, op, value})
	if err != nil {
		return opResult{}, err
	}
	var res opResult
	expr := fmt.Sprintf("(%s)(%s)", queryScript, args)
	if err := p.run(ctx, chromedp.Evaluate(expr, &res)); err != nil {
		return opResult{}, err
	}
	return res, nil
}

func (p *ChromedpPage) act(ctx context.Context, q Query, op, value string) error {
	res, err := p.op(ctx, q, op, value)
	if err != nil {
		return err
	}
	if res.Count == 0 {
		return fmt.Errorf("%s %s: %w", op, q, ErrDetached)
	}
	if !res.OK {
		return fmt.Errorf("%s %s: %s", op, q, res.Error)
	}
	return nil
}

func (p *ChromedpPage) Goto(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *ChromedpPage) URL(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (p *ChromedpPage) Count(ctx context.Context, q Query) (int, error) {
	res, err := p.op(ctx, q, "count", "")
	return res.Count, err
}

func (p *ChromedpPage) WaitActionable(ctx context.Context, q Query) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		res, err := p.op(ctx, q, "actionable", "")
		if err != nil {
			return err
		}
		if res.OK {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *ChromedpPage) Click(ctx context.Context, q Query) error {
	return p.act(ctx, q, "click", "")
}

func (p *ChromedpPage) Fill(ctx context.Context, q Query, value string) error {
	return p.act(ctx, q, "fill", value)
}

func (p *ChromedpPage) Submit(ctx context.Context, q Query) error {
	return p.act(ctx, q, "submit", "")
}

func (p *ChromedpPage) SelectOption(ctx context.Context, q Query, value string) error {
	return p.act(ctx, q, "select", value)
}

func (p *ChromedpPage) ScrollIntoView(ctx context.Context, q Query) error {
	return p.act(ctx, q, "scroll", "")
}

func (p *ChromedpPage) Content(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *ChromedpPage) Text(ctx context.Context) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
	return text, err
}

func (p *ChromedpPage) LocalStorage(ctx context.Context, key string) (string, bool, error) {
	k, _ := json.Marshal(key)
	var res struct {
		Value *string `json:"value"`
	}
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(`({value: localStorage.getItem(%s)})`, k), &res)); err != nil {
		return "", false, err
	}
	if res.Value == nil {
		return "", false, nil
	}
	return *res.Value, true, nil
}

func (p *ChromedpPage) SetLocalStorage(ctx context.Context, key, value string) error {
	k, _ := json.Marshal(key)
	v, _ := json.Marshal(value)
	return p.run(ctx, chromedp.Evaluate(fmt.Sprintf(`localStorage.setItem(%s, %s)`, k, v), nil))
}

func (p *ChromedpPage) RemoveLocalStorage(ctx context.Context, key string) error {
	k, _ := json.Marshal(key)
	return p.run(ctx, chromedp.Evaluate(fmt.Sprintf(`localStorage.removeItem(%s)`, k), nil))
}

func (p *ChromedpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.FullScreenshot(&buf, 90))
	return buf, err
}

func (p *ChromedpPage) Close() error {
	p.cancel()
	return nil
}
