package session

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/cpauline9999-sketch/Ff5/internal/browser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// documentsPrelude enumerates the main document followed by every child
// frame whose document is reachable from the page. Cross-origin frames throw
// on contentDocument and are skipped, so frame indices only count reachable
// documents.
const documentsPrelude = `
const __docs = () => {
  const out = [{ doc: document, x: 0, y: 0, url: location.href }];
  for (const f of document.querySelectorAll('iframe, frame')) {
    let d = null;
    try { d = f.contentDocument; } catch (e) { d = null; }
    if (!d || !d.documentElement) continue;
    const r = f.getBoundingClientRect();
    out.push({ doc: d, x: r.left + f.clientLeft, y: r.top + f.clientTop, url: (d.location && d.location.href) || f.src || '' });
  }
  return out;
};
const __resolve = (ref) => {
  const entry = __docs()[ref.frame];
  if (!entry) return { entry: null, nodes: [] };
  let nodes = [];
  try {
    if (ref.kind === 'xpath') {
      const it = entry.doc.evaluate(ref.query, entry.doc, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
      for (let i = 0; i < it.snapshotLength; i++) nodes.push(it.snapshotItem(i));
    } else {
      nodes = Array.from(entry.doc.querySelectorAll(ref.query));
    }
  } catch (e) {
    nodes = [];
  }
  return { entry: entry, nodes: nodes };
};
`

// jsRef is the shape __resolve expects.
type jsRef struct {
	Query string `json:"query"`
	Kind  string `json:"kind"`
	Index int    `json:"index"`
	Frame int    `json:"frame"`
}

func refArg(ref browser.ElementRef) string {
	kind := string(ref.Kind)
	if kind == "" {
		kind = string(browser.KindCSS)
	}
	return jsonEncode(jsRef{Query: ref.Query, Kind: kind, Index: ref.Index, Frame: ref.Frame})
}

// jsonEncode renders v as a JavaScript literal.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}

func wrap(body string, args ...interface{}) string {
	return fmt.Sprintf("(() => {%s\n%s\n})()", documentsPrelude, fmt.Sprintf(body, args...))
}

func countScript(ref browser.ElementRef) string {
	return wrap(`return __resolve(%s).nodes.length;`, refArg(ref))
}

// geometryScript scrolls the element into view when it lies outside the
// viewport and reports its border box in top-level viewport coordinates, or
// null when it is missing or not rendered.
func geometryScript(ref browser.ElementRef) string {
	return wrap(`
const ref = %s;
const res = __resolve(ref);
const el = res.nodes[ref.index];
if (!el || !el.getBoundingClientRect) return null;
const view = el.ownerDocument.defaultView;
const style = view.getComputedStyle(el);
if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return null;
let rect = el.getBoundingClientRect();
if (rect.width <= 0 || rect.height <= 0) return null;
if (rect.bottom < 0 || rect.right < 0 || rect.top > view.innerHeight || rect.left > view.innerWidth) {
  el.scrollIntoView({ block: 'center', inline: 'center' });
  rect = el.getBoundingClientRect();
}
const off = __docs()[ref.frame] || res.entry;
return { x: rect.left + off.x, y: rect.top + off.y, width: rect.width, height: rect.height };
`, refArg(ref))
}

func setValueScript(ref browser.ElementRef, value string) string {
	return wrap(`
const ref = %s;
const el = __resolve(ref).nodes[ref.index];
if (!el) return false;
const view = el.ownerDocument.defaultView;
const proto = el instanceof view.HTMLTextAreaElement ? view.HTMLTextAreaElement.prototype : view.HTMLInputElement.prototype;
const desc = Object.getOwnPropertyDescriptor(proto, 'value');
if (desc && desc.set && (el instanceof view.HTMLInputElement || el instanceof view.HTMLTextAreaElement)) {
  desc.set.call(el, %s);
} else {
  el.value = %s;
}
el.dispatchEvent(new view.Event('input', { bubbles: true }));
el.dispatchEvent(new view.Event('change', { bubbles: true }));
return true;
`, refArg(ref), jsonEncode(value), jsonEncode(value))
}

const framesScript = `(() => {` + documentsPrelude + `
return __docs().map((e, i) => ({ index: i, url: e.url, html: e.doc.documentElement.outerHTML, x: e.x, y: e.y }));
})()`

const viewportScript = `({ width: window.innerWidth, height: window.innerHeight, scrollX: window.scrollX, scrollY: window.scrollY })`

const readyStateScript = `document.readyState`
