package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Chrome launches headless Chrome pages through chromedp. Each page gets its
// own browser process so jobs never share cookies or sessions.
type Chrome struct {
	opts Options
}

// NewChrome returns a Launcher backed by a local Chrome install.
func NewChrome(opts Options) *Chrome {
	return &Chrome{opts: opts.withDefaults()}
}

func (c *Chrome) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.opts.Headless),
		chromedp.Flag("no-sandbox", c.opts.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(c.opts.ViewportWidth, c.opts.ViewportHeight),
	)
	if c.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.opts.UserAgent))
	}
	return opts
}

// NewPage starts a browser and opens a blank tab. The page is torn down when
// ctx is cancelled or Close is called.
func (c *Chrome) NewPage(ctx context.Context) (Page, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, c.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	startCtx, startCancel := context.WithTimeout(tabCtx, c.opts.NavigationTimeout)
	defer startCancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &chromePage{
		ctx:  tabCtx,
		opts: c.opts,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}, nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (p *chromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, p.opts.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.opts.SelectorTimeout
	}
	return p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) eval(ctx context.Context, script string, res any) error {
	return p.run(ctx, p.opts.SelectorTimeout, chromedp.Evaluate(script, res))
}

func (p *chromePage) Kind(ctx context.Context, selector string) (string, error) {
	var kind string
	script := fmt.Sprintf(`(function(){
  const el = document.querySelector(%s);
  if (!el) return "";
  const tag = el.tagName.toLowerCase();
  if (tag === "select") return %q;
  if (tag === "input") {
    const t = (el.type || "").toLowerCase();
    if (t === "checkbox") return %q;
    if (t === "radio") return %q;
  }
  return %q;
})()`, jsString(selector), KindSelect, KindCheckbox, KindRadio, KindText)
	if err := p.eval(ctx, script, &kind); err != nil {
		return "", err
	}
	if kind == "" {
		return "", fmt.Errorf("element %s not found", selector)
	}
	return kind, nil
}

func (p *chromePage) SetValue(ctx context.Context, selector, value string) error {
	return p.run(ctx, p.opts.SelectorTimeout,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *chromePage) selectOption(ctx context.Context, selector, want, field string) error {
	var ok bool
	script := fmt.Sprintf(`(function(){
  const el = document.querySelector(%s);
  if (!el) return false;
  const want = %s;
  for (const opt of el.options) {
    const got = %s;
    if (got === want) {
      el.value = opt.value;
      el.dispatchEvent(new Event("input", {bubbles: true}));
      el.dispatchEvent(new Event("change", {bubbles: true}));
      return true;
    }
  }
  return false;
})()`, jsString(selector), jsString(want), field)
	if err := p.eval(ctx, script, &ok); err != nil {
		return err
	}
	if !ok {
		return ErrNoOption
	}
	return nil
}

func (p *chromePage) SelectByValue(ctx context.Context, selector, value string) error {
	return p.selectOption(ctx, selector, value, "opt.value")
}

func (p *chromePage) SelectByLabel(ctx context.Context, selector, label string) error {
	return p.selectOption(ctx, selector, label, "opt.text.trim()")
}

func (p *chromePage) SetChecked(ctx context.Context, selector string, checked bool) error {
	var current bool
	if err := p.eval(ctx, fmt.Sprintf(`!!(document.querySelector(%s) || {}).checked`, jsString(selector)), &current); err != nil {
		return err
	}
	if current == checked {
		return nil
	}
	return p.run(ctx, p.opts.SelectorTimeout, chromedp.Click(selector, chromedp.ByQuery))
}

// radioGroup resolves a selector to the radio inputs that share its name.
const radioGroup = `function radioGroup(sel){
  const first = document.querySelector(sel);
  if (!first) return [];
  if (first.name) return Array.from(document.querySelectorAll('input[type="radio"][name="' + CSS.escape(first.name) + '"]'));
  return Array.from(document.querySelectorAll(sel));
}`

func (p *chromePage) RadioValues(ctx context.Context, selector string) ([]string, error) {
	var values []string
	script := fmt.Sprintf(`(function(){ %s
  return radioGroup(%s).map(function(r){ return r.value; });
})()`, radioGroup, jsString(selector))
	if err := p.eval(ctx, script, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (p *chromePage) CheckRadioAt(ctx context.Context, selector string, index int) error {
	var ok bool
	script := fmt.Sprintf(`(function(){ %s
  const group = radioGroup(%s);
  if (%d >= group.length) return false;
  group[%d].click();
  return true;
})()`, radioGroup, jsString(selector), index, index)
	if err := p.eval(ctx, script, &ok); err != nil {
		return err
	}
	if !ok {
		return ErrNoOption
	}
	return nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	actions := []chromedp.Action{
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	}
	if p.opts.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(p.opts.SettleDelay))
	}
	actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	return p.run(ctx, p.opts.NavigationTimeout, actions...)
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, p.opts.NavigationTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = cdppage.CaptureScreenshot().
			WithFormat(cdppage.CaptureScreenshotFormatPng).
			WithCaptureBeyondViewport(true).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, p.opts.SelectorTimeout, chromedp.Title(&title))
	return title, err
}

func (p *chromePage) Close() { p.cancel() }

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
