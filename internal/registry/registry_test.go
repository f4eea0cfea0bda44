package registry

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodePayload parses the JSON the after-load loader embeds.
func decodePayload(t *testing.T, r *Registry) map[string]map[string]string {
	t.Helper()
	payload, err := r.afterLoadPayload()
	require.NoError(t, err)
	var decoded map[string]map[string]string
	require.NoError(t, json.Unmarshal(payload, &decoded))
	return decoded
}

func TestDeferSingleScript(t *testing.T) {
	r := New()
	r.Defer("https://example.com/a.js", Attrs("id", "a"))

	assert.Equal(t, "<script defer id='a' src='https://example.com/a.js'></script>\n", r.RenderDeferred())
}

func TestDeferInsertionOrder(t *testing.T) {
	r := New()
	r.Defer("https://example.com/1.js", nil)
	r.Defer("https://example.com/2.js", nil)
	r.Defer("https://example.com/3.js", nil)

	out := r.RenderDeferred()
	assert.Equal(t, 3, strings.Count(out, "<script defer "))
	first := strings.Index(out, "1.js")
	second := strings.Index(out, "2.js")
	third := strings.Index(out, "3.js")
	assert.True(t, first < second && second < third, "scripts out of order:\n%s", out)
}

func TestDeferOverwriteKeepsPosition(t *testing.T) {
	r := New()
	r.Defer("https://example.com/a.js", Attrs("id", "first"))
	r.Defer("https://example.com/b.js", nil)
	r.Defer("https://example.com/a.js", Attrs("id", "second"))

	require.Equal(t, 2, r.DeferLen())
	out := r.RenderDeferred()
	assert.Equal(t, 1, strings.Count(out, "a.js"))
	assert.Contains(t, out, "id='second'")
	assert.NotContains(t, out, "first")
	assert.Less(t, strings.Index(out, "a.js"), strings.Index(out, "b.js"))
}

func TestDeferAttributesInRegistrationOrder(t *testing.T) {
	r := New()
	r.Defer("/js/app.js", Attrs("id", "app", "data-x", "1", "crossorigin", "anonymous"))

	assert.Equal(t,
		"<script defer id='app' data-x='1' crossorigin='anonymous' src='/js/app.js'></script>\n",
		r.RenderDeferred())
}

func TestEscapedAttributeNamesCollapseToLastValue(t *testing.T) {
	attrs := Attributes{{Name: "a'", Value: "one"}, {Name: "a&#039;", Value: "two"}, {Name: "id", Value: "x"}}
	for i := 0; i < 50; i++ {
		r := New()
		r.Defer("/a.js", attrs)
		r.AfterLoad("/a.js", attrs)

		assert.Equal(t, "<script defer a&#039;='two' id='x' src='/a.js'></script>\n", r.RenderDeferred())
		payload, err := r.afterLoadPayload()
		require.NoError(t, err)
		var decoded map[string]Attributes
		require.NoError(t, json.Unmarshal(payload, &decoded))
		assert.Equal(t, Attrs("a&#039;", "two", "id", "x"), decoded["/a.js"])
	}
}

func TestEmptyRegistryRendersNothing(t *testing.T) {
	r := New()
	assert.Empty(t, r.RenderDeferred())
	assert.Empty(t, r.RenderAfterLoad())
	assert.Empty(t, r.Render())
}

func TestRegistrationCopiesAttributes(t *testing.T) {
	r := New()
	attrs := Attrs("id", "a")
	r.Defer("/a.js", attrs)
	attrs[0].Value = "changed"

	assert.Contains(t, r.RenderDeferred(), "id='a'")
}

func TestDeferEscapesAttributeBreakout(t *testing.T) {
	r := New()
	r.Defer("https://example.com/a.js", Attrs(
		"data-x' onload='alert(1)", "v' onerror='alert(2)",
		"title", "<b>\"hi\"</b>",
	))

	out := r.RenderDeferred()
	assert.NotContains(t, out, "onload='")
	assert.NotContains(t, out, "onerror='")
	assert.NotContains(t, out, "<b>")
	assert.Contains(t, out, "title='&lt;b&gt;&quot;hi&quot;&lt;/b&gt;'")
	assert.Contains(t, out, "v&#039; onerror=&#039;alert(2)")
}

func TestDeferEscapesURL(t *testing.T) {
	r := New()
	r.Defer("https://example.com/a.js?x=1&y='2'<script>", nil)

	assert.Equal(t,
		"<script defer src='https://example.com/a.js?x=1&#038;y=&#039;2&#039;script'></script>\n",
		r.RenderDeferred())
}

func TestDeferRejectsJavascriptURL(t *testing.T) {
	r := New()
	r.Defer("javascript:alert(1)", nil)

	assert.Equal(t, "<script defer src=''></script>\n", r.RenderDeferred())
}

func TestRenderedValuesNeverCarryRawMarkup(t *testing.T) {
	inputs := []string{
		"'", "<", ">", "'><script>alert(1)</script>", "\"'<>", "a'b", "x=<y>",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			r := New()
			r.Defer("https://example.com/s.js", Attrs("data-v", in))
			r.AfterLoad("https://example.com/s.js", Attrs("data-v", in))

			out := r.RenderDeferred()
			value := strings.TrimPrefix(out, "<script defer data-v='")
			value = value[:strings.Index(value, "' src=")]
			assert.NotContains(t, value, "'")
			assert.NotContains(t, value, "<")
			assert.NotContains(t, value, ">")

			for _, attrs := range decodePayload(t, r) {
				assert.NotContains(t, attrs["data-v"], "'")
				assert.NotContains(t, attrs["data-v"], "<")
				assert.NotContains(t, attrs["data-v"], ">")
			}
		})
	}
}

func TestAfterLoadEmptyAttributes(t *testing.T) {
	r := New()
	r.AfterLoad("https://example.com/b.js?x=1&y=2", nil)

	decoded := decodePayload(t, r)
	require.Len(t, decoded, 1)
	attrs, ok := decoded["https://example.com/b.js?x=1&#038;y=2"]
	require.True(t, ok, "escaped url missing from payload: %v", decoded)
	assert.NotNil(t, attrs)
	assert.Empty(t, attrs)

	payload, err := r.afterLoadPayload()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `:{}`)
}

func TestAfterLoadSingleBlock(t *testing.T) {
	r := New()
	r.AfterLoad("https://example.com/one.js", nil)
	r.AfterLoad("https://example.com/two.js", Attrs("async", "async"))

	out := r.RenderAfterLoad()
	assert.Equal(t, 1, strings.Count(out, "<script>"))
	assert.Equal(t, 1, strings.Count(out, "</script>"))
	assert.Contains(t, out, "https://example.com/one.js")
	assert.Contains(t, out, "https://example.com/two.js")
	assert.Contains(t, out, "window.addEventListener('load'")
	assert.Contains(t, out, "JSON.parse(")
	assert.Contains(t, out, "document.body.appendChild(el)")
}

func TestAfterLoadPayloadRoundTrip(t *testing.T) {
	r := New()
	r.AfterLoad("https://example.com/one.js", Attrs("id", "one", "data-n", "1"))
	r.AfterLoad("/local/two.js", Attrs("title", "Tom & Jerry"))

	decoded := decodePayload(t, r)
	assert.Equal(t, map[string]map[string]string{
		"https://example.com/one.js": {"id": "one", "data-n": "1"},
		"/local/two.js":              {"title": "Tom &amp; Jerry"},
	}, decoded)
}

func TestAfterLoadPayloadOrder(t *testing.T) {
	r := New()
	r.AfterLoad("/z.js", nil)
	r.AfterLoad("/a.js", nil)
	r.AfterLoad("/m.js", nil)
	r.AfterLoad("/z.js", Attrs("id", "z"))

	payload, err := r.afterLoadPayload()
	require.NoError(t, err)
	s := string(payload)
	assert.Less(t, strings.Index(s, "/z.js"), strings.Index(s, "/a.js"))
	assert.Less(t, strings.Index(s, "/a.js"), strings.Index(s, "/m.js"))
}

func TestAfterLoadEmbeddedPayloadParses(t *testing.T) {
	r := New()
	r.AfterLoad("https://example.com/x.js?a=1&b=2", Attrs("data-q", "</script>"))

	out := r.RenderAfterLoad()
	assert.NotContains(t, out, "</script><")
	assert.Equal(t, 1, strings.Count(out, "</script>"))

	start := strings.Index(out, "JSON.parse(") + len("JSON.parse(")
	end := strings.Index(out[start:], ");") + start
	var inner string
	require.NoError(t, json.Unmarshal([]byte(out[start:end]), &inner))
	var decoded map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(inner), &decoded))
	assert.Equal(t, decodePayload(t, r), decoded)
}

func TestRenderCombinesDeferThenAfterLoad(t *testing.T) {
	r := New()
	r.AfterLoad("/late.js", nil)
	r.Defer("/early.js", nil)

	out := r.Render()
	assert.True(t, strings.HasPrefix(out, "<script defer src='/early.js'></script>\n"))
	assert.Contains(t, out, "/late.js")

	var b strings.Builder
	n, err := r.WriteTo(&b)
	require.NoError(t, err)
	assert.Equal(t, int64(len(out)), n)
	assert.Equal(t, out, b.String())
}

func TestReset(t *testing.T) {
	r := New()
	r.Defer("/a.js", nil)
	r.AfterLoad("/b.js", nil)
	r.Reset()

	assert.Zero(t, r.DeferLen())
	assert.Zero(t, r.AfterLoadLen())
	assert.Empty(t, r.Render())
}

func TestSnapshotsAreUnescaped(t *testing.T) {
	r := New()
	r.Defer("/a.js?x=1&y=2", Attrs("title", "<b>"))
	r.Register(Registration{URL: "/b.js"}, true)

	assert.Equal(t, []Registration{{URL: "/a.js?x=1&y=2", Attributes: Attrs("title", "<b>")}}, r.Deferred())
	assert.Equal(t, []Registration{{URL: "/b.js", Attributes: Attributes{}}}, r.AfterLoaded())
}

func TestEscapedURLsCollapse(t *testing.T) {
	r := New()
	r.Defer("/a.js", Attrs("id", "one"))
	r.Defer("/a.js<", Attrs("id", "two"))

	assert.Equal(t, 2, r.DeferLen())
	assert.Equal(t, "<script defer id='two' src='/a.js'></script>\n", r.RenderDeferred())
}

func TestWithEscaperProtocols(t *testing.T) {
	r := New(WithEscaper(NewEscaper("https")))
	r.Defer("http://example.com/a.js", nil)
	r.Defer("https://example.com/b.js", nil)

	out := r.RenderDeferred()
	assert.Contains(t, out, "src=''")
	assert.Contains(t, out, "src='https://example.com/b.js'")
}
