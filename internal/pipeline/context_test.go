package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-proxy/internal/proxyurl"
	"session-proxy/internal/session"
)

var testServer = ServerInfo{Hostname: "localhost", Port: 1337, CrossDomainPort: 1338}

func newTestContext(t *testing.T, target string, header http.Header, inj session.Injectable) (*Context, *httptest.ResponseRecorder) {
	t.Helper()
	reg := session.NewRegistry()
	s, err := session.New("sid", "", inj)
	require.NoError(t, err)
	require.NoError(t, reg.Add(s))

	r, err := NewResolver(reg, 0)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := r.Resolve(req)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	return NewContext(testServer, res, req, rec), rec
}

func TestServerInfo_Domain(t *testing.T) {
	assert.Equal(t, "http://localhost:1337", testServer.Domain())
}

func TestContext_ToProxyURL(t *testing.T) {
	pctx, _ := newTestContext(t, "/sid/http://example.com/", nil, session.Injectable{})

	assert.Equal(t, "http://localhost:1337/sid/http://example.com/a",
		pctx.ToProxyURL("http://example.com/a", false, 0, ""))
	assert.Equal(t, "http://localhost:1338/sid!i/http://other.org/",
		pctx.ToProxyURL("http://other.org/", true, proxyurl.FlagIFrame, ""))
	assert.Equal(t, "http://localhost:1337/sid!s!utf-8/http://example.com/a.js",
		pctx.ToProxyURL("http://example.com/a.js", false, proxyurl.FlagScript, "utf-8"))
}

func TestContext_ResolveURL(t *testing.T) {
	pctx, _ := newTestContext(t, "/sid/http://example.com/dir/page.html?q=1", nil, session.Injectable{})

	tests := map[string]string{
		"other.html":             "http://example.com/dir/other.html",
		"/root.css":              "http://example.com/root.css",
		"../up.js":               "http://example.com/up.js",
		".":                      "http://example.com/dir/",
		"?page=2":                "http://example.com/dir/page.html?page=2",
		"//cdn.example.org":      "http://cdn.example.org",
		"//cdn.example.org/":     "http://cdn.example.org/",
		"https://abs.example/x":  "https://abs.example/x",
		"HTTPS://Abs.Example/Y?": "HTTPS://Abs.Example/Y?",
	}
	for ref, want := range tests {
		got, ok := pctx.ResolveURL(ref)
		assert.True(t, ok, "ResolveURL(%q)", ref)
		assert.Equal(t, want, got, "ResolveURL(%q)", ref)
	}

	_, ok := pctx.ResolveURL("/bad%zzescape")
	assert.False(t, ok)
}

func TestContext_ResolveURL_Unresolvable(t *testing.T) {
	s, err := session.New("sid", "", session.Injectable{})
	require.NoError(t, err)

	for _, dest := range []string{"http://example.com/%zz/page.html", "about:blank", ""} {
		pctx := &Context{Server: testServer, Session: s, Dest: Destination{URL: dest}}

		_, ok := pctx.ResolveURL("img/a.png")
		assert.False(t, ok, "relative ref against %q", dest)

		got, ok := pctx.ResolveURL("https://cdn.example.org/a.png")
		assert.True(t, ok, "absolute ref against %q", dest)
		assert.Equal(t, "https://cdn.example.org/a.png", got)
	}
}

func TestContext_BuildContentInfoOnce(t *testing.T) {
	pctx, _ := newTestContext(t, "/sid/http://example.com/", http.Header{"Accept": {"text/html"}}, session.Injectable{})
	calls := 0
	pctx.Session.OnFileDownload = func(*session.Session) { calls++ }

	assert.Nil(t, pctx.ContentInfo())

	resp := http.Header{"Content-Disposition": {`attachment; filename="a.zip"`}}
	first := pctx.BuildContentInfo(resp)
	second := pctx.BuildContentInfo(http.Header{"Content-Type": {"text/html"}})

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
	require.NotNil(t, pctx.ContentInfo())
	assert.True(t, pctx.ContentInfo().IsFileDownload)
}

func TestContext_Injectables(t *testing.T) {
	inj := session.Injectable{Scripts: []string{"/hammerhead.js", "/driver.js"}, Styles: []string{"/ui.css"}}

	top, _ := newTestContext(t, "/sid/http://example.com/", nil, inj)
	assert.Equal(t, []string{
		"http://localhost:1337/hammerhead.js",
		"http://localhost:1337/driver.js",
		"http://localhost:1337/task.js",
	}, top.InjectableScripts())
	assert.Equal(t, []string{"http://localhost:1337/ui.css"}, top.InjectableStyles())

	frame, _ := newTestContext(t, "/sid!i/http://example.com/", nil, inj)
	scripts := frame.InjectableScripts()
	assert.Equal(t, "http://localhost:1337/iframe-task.js", scripts[len(scripts)-1])

	// The session's own list is not modified.
	assert.Len(t, inj.Scripts, 2)
}

func TestContext_Redirect(t *testing.T) {
	pctx, rec := newTestContext(t, "/sid/http://example.com/", nil, session.Injectable{})

	pctx.Redirect("http://localhost:1337/sid/http://example.com/next")

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://localhost:1337/sid/http://example.com/next", rec.Header().Get("Location"))
}

func TestContext_CloseWithError(t *testing.T) {
	pctx, rec := newTestContext(t, "/sid/http://example.com/", nil, session.Injectable{})
	pctx.CloseWithError(http.StatusBadGateway, "<p>failed</p>")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Equal(t, "<p>failed</p>", rec.Body.String())

	pctx, rec = newTestContext(t, "/sid/http://example.com/", nil, session.Injectable{})
	pctx.CloseWithError(http.StatusGone, "")

	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Empty(t, rec.Body.String())
}
