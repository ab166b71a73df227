package permission

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKnownPermissions(t *testing.T) {
	tests := []struct {
		raw  string
		want API
	}{
		{"storage", Storage},
		{"tabs", Tabs},
		{"scripting", Scripting},
		{"unlimitedStorage", UnlimitedStorage},
		{"system.cpu", SystemCPU},
		{"declarativeNetRequestWithHostAccess", DeclarativeNetRequestWithHostAccess},
		{"  alarms ", Alarms},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p := Parse(tt.raw)
			assert.True(t, p.IsKnown())
			assert.Equal(t, tt.want, p.API)
			assert.Equal(t, tt.want.String(), p.Name)
		})
	}
}

func TestParseUnknownPreservesName(t *testing.T) {
	p := Parse("futureApi.somethingNew")

	assert.False(t, p.IsKnown())
	assert.Equal(t, Unknown, p.API)
	assert.Equal(t, "futureApi.somethingNew", p.Name)
}

func TestKnownIsComplete(t *testing.T) {
	known := Known()

	assert.GreaterOrEqual(t, len(known), 80)
	for _, api := range known {
		assert.Equal(t, api, Parse(api.String()).API, api.String())
	}
}

func TestNewSetSplitsHostPermissions(t *testing.T) {
	set := NewSet(
		[]string{"storage", "https://*.example.com/*", "someNewThing"},
		[]string{"<all_urls>", "not a pattern"},
	)

	assert.True(t, set.Has(Storage))
	assert.False(t, set.Has(Tabs))
	assert.Equal(t, []API{Storage}, set.APIs())
	assert.ElementsMatch(t, []string{"someNewThing", "not a pattern"}, set.Unknown())
	require.Len(t, set.Hosts(), 2)
	assert.True(t, set.HasHostAccess("https://www.example.com/page"))
	assert.True(t, set.HasHostAccess("ftp://anything.org/"))
}

func TestSetMissing(t *testing.T) {
	set := NewSet([]string{"storage"}, nil)

	_, missing := set.Missing([]API{Storage})
	assert.False(t, missing)

	api, missing := set.Missing([]API{Storage, Tabs})
	assert.True(t, missing)
	assert.Equal(t, Tabs, api)

	var empty *Set
	assert.False(t, empty.Has(Storage))
}

func TestParseMatchPatternErrors(t *testing.T) {
	invalid := []string{
		"",
		"example.com",
		"https://example.com",
		"gopher://example.com/*",
		"https://exa*mple.com/*",
		"file://host/path",
		"https://:80/*",
		"https://example.com:/*",
		"https://example.com:8x/*",
		"https://*./*",
		"http://[::1/*",
		"http://[::1]x/*",
		"http://[]/*",
		"http://[::1]:/*",
	}

	for _, raw := range invalid {
		_, err := ParseMatchPattern(raw)
		assert.ErrorIs(t, err, ErrInvalidPattern, raw)
	}
}

func TestPathWildcardsAnywhere(t *testing.T) {
	mp, err := ParseMatchPattern("https://*/*foo*")
	require.NoError(t, err)

	assert.True(t, mp.MatchString("https://a.com/xfooy"))
	assert.False(t, mp.MatchString("https://a.com/bar"))
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"<all_urls>", "https://example.com/", true},
		{"<all_urls>", "file:///etc/hosts", true},
		{"<all_urls>", "chrome-extension://abc/page.html", true},

		{"*://*/*", "http://example.com/a", true},
		{"*://*/*", "https://example.com/a", true},
		{"*://*/*", "ftp://example.com/a", false},
		{"*://*/*", "file:///a", false},

		{"https://*.example.com/*", "https://example.com/", true},
		{"https://*.example.com/*", "https://a.b.example.com/x?y=1", true},
		{"https://*.example.com/*", "https://badexample.com/", false},
		{"https://*.example.com/*", "http://www.example.com/", false},

		{"https://example.com/foo*", "https://example.com/foobar", true},
		{"https://example.com/foo*", "https://example.com/bar", false},
		{"https://example.com/foo", "https://example.com/foo", true},
		{"https://example.com/foo", "https://example.com/foo/", false},
		{"https://example.com/*", "https://EXAMPLE.com/", true},
		{"https://example.com/*", "https://example.com", true},

		{"https://example.com:443/*", "https://example.com/", true},
		{"http://example.com:80/*", "http://example.com/", true},
		{"https://example.com:8443/*", "https://example.com/", false},
		{"https://example.com:8443/*", "https://example.com:8443/", true},
		{"https://example.com:*/*", "https://example.com:9000/", true},
		{"https://example.com/*", "https://example.com:9000/", true},

		{"http://[::1]/*", "http://[::1]:8000/a", true},
		{"http://[::1]/*", "http://127.0.0.1/a", false},
		{"http://[::1]:8000/*", "http://[::1]:8000/", true},
		{"http://[::1]:8000/*", "http://[::1]:9000/", false},
		{"http://[::1]:8000/*", "http://[::1]/", false},
		{"*://*/*", "http://[::1]:3000/", true},

		{"file:///home/*", "file:///home/user/a.txt", true},
		{"file:///home/*", "file:///etc/passwd", false},
		{"chrome-extension://abcdefghijklmnop/*", "chrome-extension://abcdefghijklmnop/popup.html", true},

		{"https://example.com/*", "not a url", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.url, func(t *testing.T) {
			mp, err := ParseMatchPattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mp.MatchString(tt.url))
		})
	}
}

func TestRegexpIsPortable(t *testing.T) {
	mp := MustParseMatchPattern("https://*.example.com:8080/a.b*")

	src := mp.Regexp()
	assert.Equal(t, "^", src[:1])
	assert.Equal(t, "$", src[len(src)-1:])

	re := regexp.MustCompile(src)
	assert.True(t, re.MatchString("https://x.example.com:8080/a.bcd"))
	assert.False(t, re.MatchString("https://x.example.com:8080/aXbcd"), "dots are literal")
}

func TestMatchAny(t *testing.T) {
	patterns := []*MatchPattern{
		MustParseMatchPattern("https://a.com/*"),
		MustParseMatchPattern("https://b.com/*"),
	}

	assert.True(t, MatchAny(patterns, "https://b.com/x"))
	assert.False(t, MatchAny(patterns, "https://c.com/x"))
	assert.False(t, MatchAny(nil, "https://a.com/"))
}
