package browser

import (
	"context"
	"errors"
	"strings"
)

// truthy values tick a checkbox; anything else clears it.
var truthy = map[string]bool{
	"true":    true,
	"1":       true,
	"是":       true,
	"yes":     true,
	"checked": true,
}

func isTruthy(v string) bool {
	return truthy[strings.ToLower(strings.TrimSpace(v))]
}

func (w *Writer) fill(ctx context.Context, p Page, f field) error {
	if err := p.WaitVisible(ctx, f.selector, w.opts.SelectorTimeout); err != nil {
		return err
	}
	kind, err := p.Kind(ctx, f.selector)
	if err != nil {
		return err
	}

	switch kind {
	case KindSelect:
		err := p.SelectByValue(ctx, f.selector, f.value)
		if errors.Is(err, ErrNoOption) {
			err = p.SelectByLabel(ctx, f.selector, f.value)
		}
		return err
	case KindCheckbox:
		return p.SetChecked(ctx, f.selector, isTruthy(f.value))
	case KindRadio:
		values, err := p.RadioValues(ctx, f.selector)
		if err != nil {
			return err
		}
		if len(values) == 0 {
			return ErrNoOption
		}
		idx := 0
		for i, v := range values {
			if v == f.value {
				idx = i
				break
			}
		}
		return p.CheckRadioAt(ctx, f.selector, idx)
	default:
		return p.SetValue(ctx, f.selector, f.value)
	}
}
