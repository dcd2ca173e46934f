// Package browser writes submissions into web CRMs by driving a headless
// browser through a fixed sequence of named steps.
package browser

import (
	"context"
	"errors"
	"time"
)

// Element kinds reported by Page.Kind.
const (
	KindText     = "text"
	KindSelect   = "select"
	KindCheckbox = "checkbox"
	KindRadio    = "radio"
)

// ErrNoOption is returned by the select helpers when no option matches.
var ErrNoOption = errors.New("no matching option")

// Page is the browser surface the writer drives. Selectors are CSS.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Kind(ctx context.Context, selector string) (string, error)
	// SetValue clears the element and types value into it.
	SetValue(ctx context.Context, selector, value string) error
	SelectByValue(ctx context.Context, selector, value string) error
	SelectByLabel(ctx context.Context, selector, label string) error
	SetChecked(ctx context.Context, selector string, checked bool) error
	// RadioValues lists the values of the radio group the selector belongs to.
	RadioValues(ctx context.Context, selector string) ([]string, error)
	CheckRadioAt(ctx context.Context, selector string, index int) error
	// Click clicks the element and waits for the page to settle.
	Click(ctx context.Context, selector string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Title(ctx context.Context) (string, error)
	Close()
}

// Launcher opens a fresh, isolated page per write.
type Launcher interface {
	NewPage(ctx context.Context) (Page, error)
}

// Options configures the browser and the writer's waits.
type Options struct {
	Headless          bool
	NoSandbox         bool
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
	LoginTimeout      time.Duration
	SettleDelay       time.Duration
}

func (o Options) withDefaults() Options {
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = 1280
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = 800
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if o.SelectorTimeout <= 0 {
		o.SelectorTimeout = 10 * time.Second
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 15 * time.Second
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	return o
}

// Probe opens url in a fresh page and returns its title. It is used to check
// that a connection's login page is reachable.
func Probe(ctx context.Context, l Launcher, url string) (string, error) {
	page, err := l.NewPage(ctx)
	if err != nil {
		return "", err
	}
	defer page.Close()

	if err := page.Navigate(ctx, url); err != nil {
		return "", err
	}
	return page.Title(ctx)
}
