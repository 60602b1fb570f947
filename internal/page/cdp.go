package page

import (
	"context"
	"encoding/json"
	"fmt"

	"retrace/internal/cdp"
	"retrace/internal/trace"
)

// bootstrapJS installs the element registry and mutation counter the
// adapter relies on. Elements found by queries are tracked in a page-side
// array; the array index is the Element.Ref handle for later probes.
const bootstrapJS = `
(function() {
	if (window.__rtc) return true;
	const reg = [];
	window.__rtcMutations = 0;
	new MutationObserver(() => { window.__rtcMutations++; }).observe(
		document.documentElement,
		{subtree: true, childList: true, attributes: true, characterData: true});
	window.__rtc = {
		track(el) {
			let i = reg.indexOf(el);
			if (i === -1) i = reg.push(el) - 1;
			return i;
		},
		snap(el) {
			const attrs = {};
			for (const a of el.attributes) attrs[a.name] = a.value;
			return {
				ref: this.track(el),
				tagName: el.tagName.toLowerCase(),
				attributes: attrs,
				textContent: (el.innerText || '').trim()
			};
		},
		get(ref) {
			const el = reg[ref];
			return el && el.isConnected ? el : null;
		}
	};
	return true;
})()
`

var buttonCode = map[string]int{"left": 0, "middle": 1, "right": 2}

var keyCodeMap = map[string]int{
	"Enter":      13,
	"Tab":        9,
	"Escape":     27,
	"Backspace":  8,
	"Delete":     46,
	"ArrowUp":    38,
	"ArrowDown":  40,
	"ArrowLeft":  37,
	"ArrowRight": 39,
	"Home":       36,
	"End":        35,
	"PageUp":     33,
	"PageDown":   34,
	"Space":      32,
}

// CDP drives a live browser tab over the DevTools Protocol. Queries and
// probes go through injected JavaScript; pointer and keyboard dispatch
// use the Input domain so events carry trusted gestures.
type CDP struct {
	client    *cdp.Client
	sessionID string
}

// NewCDP attaches to a target and installs the page-side helpers.
func NewCDP(ctx context.Context, client *cdp.Client, targetID string) (*CDP, error) {
	sessionID, err := client.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}

	if _, err := client.CallSession(ctx, sessionID, "Runtime.enable", nil); err != nil {
		return nil, fmt.Errorf("enabling Runtime domain: %w", err)
	}

	p := &CDP{client: client, sessionID: sessionID}
	if _, err := p.eval(ctx, bootstrapJS); err != nil {
		return nil, fmt.Errorf("installing page helpers: %w", err)
	}
	return p, nil
}

func (p *CDP) eval(ctx context.Context, expr string) (interface{}, error) {
	result, err := p.client.EvalSession(ctx, p.sessionID, expr)
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

// decode round-trips an eval value into a typed struct.
func decode(value interface{}, out interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (p *CDP) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	value, err := p.eval(ctx, fmt.Sprintf(`
		(function() {
			let els;
			try { els = document.querySelectorAll(%q); } catch (e) { return { error: String(e) }; }
			return { elements: Array.from(els).map(el => window.__rtc.snap(el)) };
		})()
	`, selector))
	if err != nil {
		return nil, err
	}

	var resp struct {
		Error    string    `json:"error"`
		Elements []Element `json:"elements"`
	}
	if err := decode(value, &resp); err != nil {
		return nil, fmt.Errorf("parsing query response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("querying %q: %s", selector, resp.Error)
	}
	return resp.Elements, nil
}

func (p *CDP) BoundingBox(ctx context.Context, el Element) (trace.BoundingBox, error) {
	value, err := p.eval(ctx, fmt.Sprintf(`
		(function() {
			const el = window.__rtc.get(%d);
			if (!el) return null;
			const r = el.getBoundingClientRect();
			return { x: r.x, y: r.y, width: r.width, height: r.height };
		})()
	`, el.Ref))
	if err != nil {
		return trace.BoundingBox{}, err
	}
	if value == nil {
		return trace.BoundingBox{}, fmt.Errorf("element %d detached", el.Ref)
	}

	var box trace.BoundingBox
	if err := decode(value, &box); err != nil {
		return trace.BoundingBox{}, fmt.Errorf("parsing bounding box: %w", err)
	}
	return box, nil
}

func (p *CDP) IsVisible(ctx context.Context, el Element) (bool, error) {
	return p.evalBool(ctx, fmt.Sprintf(`
		(function() {
			const el = window.__rtc.get(%d);
			if (!el) return false;
			const style = window.getComputedStyle(el);
			const rect = el.getBoundingClientRect();
			return style.display !== 'none' &&
			       style.visibility !== 'hidden' &&
			       style.opacity !== '0' &&
			       rect.width > 0 && rect.height > 0;
		})()
	`, el.Ref))
}

func (p *CDP) IsEnabled(ctx context.Context, el Element) (bool, error) {
	return p.evalBool(ctx, fmt.Sprintf(`
		(function() {
			const el = window.__rtc.get(%d);
			return el !== null && !el.disabled;
		})()
	`, el.Ref))
}

func (p *CDP) IsHitTarget(ctx context.Context, el Element) (bool, error) {
	return p.evalBool(ctx, fmt.Sprintf(`
		(function() {
			const el = window.__rtc.get(%d);
			if (!el) return false;
			const r = el.getBoundingClientRect();
			const hit = document.elementFromPoint(r.x + r.width / 2, r.y + r.height / 2);
			return hit !== null && (hit === el || el.contains(hit));
		})()
	`, el.Ref))
}

func (p *CDP) evalBool(ctx context.Context, expr string) (bool, error) {
	value, err := p.eval(ctx, expr)
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type %T", value)
	}
	return b, nil
}

func (p *CDP) MutationStamp(ctx context.Context) (uint64, error) {
	value, err := p.eval(ctx, `window.__rtcMutations`)
	if err != nil {
		return 0, err
	}
	f, ok := value.(float64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type %T", value)
	}
	return uint64(f), nil
}

// Click dispatches a mouse press/release pair at page coordinates, which
// the browser synthesizes into a click on the element under the point.
func (p *CDP) Click(ctx context.Context, x, y float64, button string) error {
	if _, ok := buttonCode[button]; !ok {
		button = "left"
	}

	_, err := p.client.CallSession(ctx, p.sessionID, "Input.dispatchMouseEvent", map[string]interface{}{
		"type": "mouseMoved",
		"x":    x,
		"y":    y,
	})
	if err != nil {
		return fmt.Errorf("dispatching mouseMoved: %w", err)
	}

	for _, eventType := range []string{"mousePressed", "mouseReleased"} {
		_, err := p.client.CallSession(ctx, p.sessionID, "Input.dispatchMouseEvent", map[string]interface{}{
			"type":       eventType,
			"x":          x,
			"y":          y,
			"button":     button,
			"clickCount": 1,
		})
		if err != nil {
			return fmt.Errorf("dispatching %s: %w", eventType, err)
		}
	}
	return nil
}

func (p *CDP) SetValue(ctx context.Context, el Element, value string) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}

	result, err := p.eval(ctx, fmt.Sprintf(`
		(function() {
			const el = window.__rtc.get(%d);
			if (!el) return { error: 'element detached' };
			el.value = %s;
			el.dispatchEvent(new Event('input', { bubbles: true }));
			el.dispatchEvent(new Event('change', { bubbles: true }));
			return { value: el.value };
		})()
	`, el.Ref, encoded))
	if err != nil {
		return err
	}

	var resp struct {
		Error string `json:"error"`
	}
	if err := decode(result, &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("setting value: %s", resp.Error)
	}
	return nil
}

func (p *CDP) DispatchKey(ctx context.Context, down bool, key trace.KeyPayload) error {
	eventType := "keyUp"
	if down {
		eventType = "keyDown"
	}

	modifiers := 0
	if key.Alt {
		modifiers |= 1
	}
	if key.Ctrl {
		modifiers |= 2
	}
	if key.Meta {
		modifiers |= 4
	}
	if key.Shift {
		modifiers |= 8
	}

	params := map[string]interface{}{
		"type":      eventType,
		"key":       key.Key,
		"modifiers": modifiers,
	}
	if code, ok := keyCodeMap[key.Key]; ok {
		params["windowsVirtualKeyCode"] = code
		params["nativeVirtualKeyCode"] = code
	} else if down && len(key.Key) == 1 {
		params["text"] = key.Key
	}

	if _, err := p.client.CallSession(ctx, p.sessionID, "Input.dispatchKeyEvent", params); err != nil {
		return fmt.Errorf("dispatching %s: %w", eventType, err)
	}
	return nil
}

func (p *CDP) ScrollBy(ctx context.Context, el *Element, dx, dy float64) error {
	if el == nil {
		_, err := p.eval(ctx, fmt.Sprintf(`window.scrollBy(%f, %f)`, dx, dy))
		return err
	}

	value, err := p.eval(ctx, fmt.Sprintf(`
		(function() {
			let el = window.__rtc.get(%d);
			if (!el) return { error: 'element detached' };
			while (el) {
				const style = window.getComputedStyle(el);
				const scrollable = (el.scrollHeight > el.clientHeight || el.scrollWidth > el.clientWidth) &&
					(['auto', 'scroll'].includes(style.overflowY) || ['auto', 'scroll'].includes(style.overflowX));
				if (scrollable) {
					el.scrollBy(%f, %f);
					return { scrolled: true };
				}
				el = el.parentElement;
			}
			window.scrollBy(%f, %f);
			return { scrolled: true };
		})()
	`, el.Ref, dx, dy, dx, dy))
	if err != nil {
		return err
	}

	var resp struct {
		Error string `json:"error"`
	}
	if err := decode(value, &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("scrolling: %s", resp.Error)
	}
	return nil
}

func (p *CDP) URL(ctx context.Context) (string, error) {
	value, err := p.eval(ctx, `window.location.href`)
	if err != nil {
		return "", err
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected result type %T", value)
	}
	return s, nil
}

func (p *CDP) Parent(ctx context.Context, el Element) (Element, bool, error) {
	value, err := p.eval(ctx, fmt.Sprintf(`
		(function() {
			const el = window.__rtc.get(%d);
			if (!el || !el.parentElement) return null;
			return window.__rtc.snap(el.parentElement);
		})()
	`, el.Ref))
	if err != nil {
		return Element{}, false, err
	}
	if value == nil {
		return Element{}, false, nil
	}

	var parent Element
	if err := decode(value, &parent); err != nil {
		return Element{}, false, fmt.Errorf("parsing parent: %w", err)
	}
	return parent, true, nil
}

func (p *CDP) TypeIndex(ctx context.Context, el Element) (int, int, error) {
	value, err := p.eval(ctx, fmt.Sprintf(`
		(function() {
			const el = window.__rtc.get(%d);
			if (!el) return null;
			if (!el.parentElement) return { index: 1, total: 1 };
			let index = 0, total = 0;
			for (const sib of el.parentElement.children) {
				if (sib.tagName === el.tagName) {
					total++;
					if (sib === el) index = total;
				}
			}
			return { index: index, total: total };
		})()
	`, el.Ref))
	if err != nil {
		return 0, 0, err
	}
	if value == nil {
		return 0, 0, fmt.Errorf("element %d detached", el.Ref)
	}

	var resp struct {
		Index int `json:"index"`
		Total int `json:"total"`
	}
	if err := decode(value, &resp); err != nil {
		return 0, 0, fmt.Errorf("parsing type index: %w", err)
	}
	return resp.Index, resp.Total, nil
}
