package registry

import (
	"encoding/json"
	"io"
	"strings"
	"text/template"
)

// afterLoadJS is the loader emitted for after-load scripts. Its only
// dynamic input is Payload, a JavaScript string literal holding the
// escaped URL -> attributes JSON.
const afterLoadJS = `<script>
window.addEventListener('load', function() {
	try {
		var scripts = JSON.parse({{.Payload}});
		Object.keys(scripts).forEach(function(src) {
			var el = document.createElement('script');
			el.src = src;
			var attrs = scripts[src];
			Object.keys(attrs).forEach(function(name) {
				try {
					el.setAttribute(name, attrs[name]);
				} catch (e) {
					console.error('load-later: attribute ' + name + ' on ' + src, e);
				}
			});
			document.body.appendChild(el);
		});
	} catch (e) {
		console.error('load-later:', e);
	}
});
</script>
`

var afterLoadTemplate = template.Must(template.New("afterload").Parse(afterLoadJS))

// RenderDeferred returns one <script defer> tag per deferred URL, in
// registration order, each followed by a newline. Attributes come first,
// in the order they were set, then src. It returns "" when nothing is deferred.
func (r *Registry) RenderDeferred() string {
	if r.deferred.Len() == 0 {
		return ""
	}
	var b strings.Builder
	for pair := r.escapeAll(r.deferred).Oldest(); pair != nil; pair = pair.Next() {
		b.WriteString("<script defer ")
		for _, attr := range pair.Value {
			b.WriteString(attr.Name)
			b.WriteString("='")
			b.WriteString(attr.Value)
			b.WriteString("' ")
		}
		b.WriteString("src='")
		b.WriteString(pair.Key)
		b.WriteString("'></script>\n")
	}
	return b.String()
}

// RenderAfterLoad returns a single inline script that, once the window
// load event fires, creates a script element for every after-load URL and
// appends it to the body. It returns "" when nothing is registered.
func (r *Registry) RenderAfterLoad() string {
	if r.afterLoad.Len() == 0 {
		return ""
	}
	literal, err := r.afterLoadLiteral()
	if err != nil {
		return ""
	}
	var b strings.Builder
	if err := afterLoadTemplate.Execute(&b, struct{ Payload string }{literal}); err != nil {
		return ""
	}
	return b.String()
}

// Render returns the deferred markup followed by the after-load markup.
func (r *Registry) Render() string {
	return r.RenderDeferred() + r.RenderAfterLoad()
}

// WriteTo writes Render's output to w.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, r.Render())
	return int64(n), err
}

// afterLoadPayload is the JSON object mapping each escaped after-load URL
// to its escaped attributes, in registration order.
func (r *Registry) afterLoadPayload() ([]byte, error) {
	return json.Marshal(r.escapeAll(r.afterLoad))
}

// afterLoadLiteral quotes the payload as a JavaScript string. encoding/json
// escapes <, > and & and the line separators, so the literal cannot close
// the surrounding script element.
func (r *Registry) afterLoadLiteral() (string, error) {
	payload, err := r.afterLoadPayload()
	if err != nil {
		return "", err
	}
	literal, err := json.Marshal(string(payload))
	if err != nil {
		return "", err
	}
	return string(literal), nil
}
