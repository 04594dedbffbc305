package devbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/idemirror/snapshot"
	"github.com/hazyhaar/idemirror/wire"
)

// serializeJS walks the live DOM inside the page and returns the snapshot
// body as JSON: title, viewport, element tree and stylesheet fragments.
// The tree mirrors the wire shape exactly so the Go side only unmarshals.
const serializeJS = `() => {
	const MAX_TEXT = 200;

	const interactive = (el) => {
		const tag = el.tagName.toLowerCase();
		if (["a", "button", "input", "textarea", "select", "summary"].includes(tag)) return true;
		if (el.isContentEditable) return true;
		const role = el.getAttribute("role");
		if (["button", "textbox", "link", "tab", "menuitem"].includes(role)) return true;
		return el.hasAttribute("onclick");
	};

	const directText = (el) => {
		let out = "";
		for (const n of el.childNodes) {
			if (n.nodeType === Node.TEXT_NODE) out += n.textContent;
		}
		return out.trim().slice(0, MAX_TEXT);
	};

	const serialize = (el) => {
		const tag = el.tagName.toLowerCase();
		if (["script", "style", "noscript", "template"].includes(tag)) return null;
		const r = el.getBoundingClientRect();
		const node = {
			tagName: tag,
			id: el.id || undefined,
			classNames: el.className && typeof el.className === "string" ? el.className : undefined,
			textContent: directText(el) || undefined,
			position: { x: r.x, y: r.y, width: r.width, height: r.height },
			isInteractive: interactive(el) || undefined,
			children: [],
		};
		for (const c of el.children) {
			const s = serialize(c);
			if (s) node.children.push(s);
		}
		if (node.children.length === 0) delete node.children;
		return node;
	};

	const styles = { inline: [], external: [] };
	for (const s of document.querySelectorAll("style")) {
		if (s.textContent) styles.inline.push(s.textContent);
	}
	for (const l of document.querySelectorAll("link[rel=stylesheet]")) {
		if (l.href) styles.external.push(l.href);
	}
	if (styles.inline.length === 0) delete styles.inline;
	if (styles.external.length === 0) delete styles.external;

	return JSON.stringify({
		title: document.title,
		viewport: { width: window.innerWidth, height: window.innerHeight },
		root: serialize(document.body),
		styleFragments: styles,
	});
}`

// Tab wraps the page hosting the IDE.
type Tab struct {
	page *rod.Page
	url  string
}

// OpenTab creates a stealth page and navigates to the IDE URL.
func OpenTab(ctx context.Context, br *Browser, pageURL string) (*Tab, error) {
	b := br.Rod()
	if b == nil {
		return nil, fmt.Errorf("devbackend: browser not started")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("devbackend: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("devbackend: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		br.log.Warn("wait load timeout", "url", pageURL, "error", err)
	}

	return &Tab{page: page, url: pageURL}, nil
}

// Capture serialises the page into a StateSnapshot, screenshot included.
func (t *Tab) Capture(ctx context.Context) (*snapshot.StateSnapshot, error) {
	res, err := t.page.Context(ctx).Eval(serializeJS)
	if err != nil {
		return nil, fmt.Errorf("devbackend: serialize DOM: %w", err)
	}

	var snap snapshot.StateSnapshot
	if err := json.Unmarshal([]byte(res.Value.Str()), &snap); err != nil {
		return nil, fmt.Errorf("devbackend: decode DOM: %w", err)
	}
	if snap.Root == nil {
		return nil, fmt.Errorf("devbackend: page has no body")
	}
	snapshot.Normalize(&snap)

	shot, err := t.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		// Structural mode still works without the image.
		return &snap, nil
	}
	snap.Screenshot = shot
	return &snap, nil
}

// Click activates an element, preferring the selector and falling back to
// elementFromPoint when the page cannot resolve it.
func (t *Tab) Click(ctx context.Context, p wire.ClickPayload) error {
	js := `(sel, x, y) => {
		let el = null;
		if (sel) {
			try { el = document.querySelector(sel); } catch (e) {}
		}
		if (!el && x >= 0) el = document.elementFromPoint(x, y);
		if (!el) return false;
		el.focus && el.focus();
		el.click();
		return true;
	}`
	x, y := -1.0, -1.0
	if p.Coordinates != nil {
		x, y = p.Coordinates.X, p.Coordinates.Y
	}
	res, err := t.page.Context(ctx).Eval(js, p.Selector, x, y)
	if err != nil {
		return fmt.Errorf("devbackend: click: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("devbackend: element not found: %s", p.Selector)
	}
	return nil
}

// typeJS dispatches synthetic keyboard events on the focused element and,
// for value-bearing inputs, appends the text directly so frameworks relying
// on the input event see a consistent state.
const typeJS = `(text, key, ctrl, shift, alt, meta) => {
	const el = document.activeElement || document.body;
	const opts = { bubbles: true, cancelable: true, ctrlKey: ctrl, shiftKey: shift, altKey: alt, metaKey: meta };
	if (key) {
		el.dispatchEvent(new KeyboardEvent("keydown", { ...opts, key }));
		el.dispatchEvent(new KeyboardEvent("keyup", { ...opts, key }));
		return true;
	}
	for (const ch of text) {
		el.dispatchEvent(new KeyboardEvent("keydown", { ...opts, key: ch }));
		if ("value" in el) {
			el.value += ch;
			el.dispatchEvent(new Event("input", { bubbles: true }));
		} else if (el.isContentEditable) {
			el.textContent += ch;
			el.dispatchEvent(new Event("input", { bubbles: true }));
		}
		el.dispatchEvent(new KeyboardEvent("keyup", { ...opts, key: ch }));
	}
	return true;
}`

// TypeText injects one key with modifiers.
func (t *Tab) TypeText(ctx context.Context, p wire.TypeTextPayload) error {
	m := p.Modifiers
	_, err := t.page.Context(ctx).Eval(typeJS, p.Text, p.Key, m.Ctrl, m.Shift, m.Alt, m.Meta)
	if err != nil {
		return fmt.Errorf("devbackend: type text: %w", err)
	}
	return nil
}

// TypeBatch injects an accumulated character run.
func (t *Tab) TypeBatch(ctx context.Context, p wire.TypeBatchPayload) error {
	_, err := t.page.Context(ctx).Eval(typeJS, p.Text, "", false, false, false, false)
	if err != nil {
		return fmt.Errorf("devbackend: type batch: %w", err)
	}
	return nil
}

// Chat fills the first chat composer found and submits it with Enter.
func (t *Tab) Chat(ctx context.Context, p wire.ChatPayload) error {
	js := `(msg) => {
		const el = document.querySelector(
			"textarea[class*=chat], textarea[class*=composer], [contenteditable][class*=chat], textarea");
		if (!el) return false;
		el.focus();
		if ("value" in el) el.value = msg; else el.textContent = msg;
		el.dispatchEvent(new Event("input", { bubbles: true }));
		el.dispatchEvent(new KeyboardEvent("keydown", { bubbles: true, key: "Enter" }));
		return true;
	}`
	res, err := t.page.Context(ctx).Eval(js, p.Message)
	if err != nil {
		return fmt.Errorf("devbackend: chat: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("devbackend: no chat composer found")
	}
	return nil
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.page != nil {
		return t.page.Close()
	}
	return nil
}
