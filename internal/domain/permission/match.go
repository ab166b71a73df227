package permission

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// AllURLs is the pattern matching every URL
const AllURLs = "<all_urls>"

// ErrInvalidPattern is returned for strings outside the match pattern grammar
var ErrInvalidPattern = errors.New("invalid match pattern")

var validSchemes = map[string]bool{
	"http":             true,
	"https":            true,
	"*":                true,
	"file":             true,
	"ftp":              true,
	"chrome-extension": true,
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ftp":   "21",
}

// MatchPattern is a parsed <scheme>://<host><path> pattern or <all_urls>.
//
// Matching is performed against a normalized URL of the form
// scheme://host:port/path?query, where the port is always spelled out for
// schemes with a default port. The same regular expression is exported to
// injected scripts through Regexp so both sides agree.
type MatchPattern struct {
	raw    string
	all    bool
	scheme string
	host   string
	port   string
	path   string
	re     *regexp.Regexp
}

// ParseMatchPattern parses a match pattern
func ParseMatchPattern(s string) (*MatchPattern, error) {
	if s == AllURLs {
		mp := &MatchPattern{raw: s, all: true}
		mp.re = regexp.MustCompile(mp.expression())
		return mp, nil
	}

	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return nil, fmt.Errorf("%w %q: missing scheme separator", ErrInvalidPattern, s)
	}
	if !validSchemes[scheme] {
		return nil, fmt.Errorf("%w %q: unsupported scheme %q", ErrInvalidPattern, s, scheme)
	}

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return nil, fmt.Errorf("%w %q: missing path", ErrInvalidPattern, s)
	}
	hostPort, path := rest[:slash], rest[slash:]

	mp := &MatchPattern{raw: s, scheme: scheme, path: path}

	if scheme == "file" {
		if hostPort != "" {
			return nil, fmt.Errorf("%w %q: file patterns have no host", ErrInvalidPattern, s)
		}
	} else {
		host, port, err := splitHostPort(hostPort)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, s, err)
		}
		mp.host = strings.ToLower(host)
		mp.port = port
	}

	re, err := regexp.Compile(mp.expression())
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, s, err)
	}
	mp.re = re
	return mp, nil
}

// MustParseMatchPattern is ParseMatchPattern for static patterns
func MustParseMatchPattern(s string) *MatchPattern {
	mp, err := ParseMatchPattern(s)
	if err != nil {
		panic(err)
	}
	return mp
}

func splitHostPort(hostPort string) (string, string, error) {
	host, port, hasPort := hostPort, "", false
	if strings.HasPrefix(hostPort, "[") {
		end := strings.IndexByte(hostPort, ']')
		if end < 0 {
			return "", "", fmt.Errorf("unterminated IPv6 host")
		}
		host = hostPort[:end+1]
		switch rest := hostPort[end+1:]; {
		case rest == "":
		case rest[0] == ':':
			port, hasPort = rest[1:], true
		default:
			return "", "", fmt.Errorf("unexpected %q after IPv6 host", rest)
		}
	} else if i := strings.LastIndexByte(hostPort, ':'); i >= 0 {
		host, port, hasPort = hostPort[:i], hostPort[i+1:], true
	}

	if hasPort {
		if port == "" {
			return "", "", fmt.Errorf("empty port")
		}
		if port != "*" {
			for _, c := range port {
				if c < '0' || c > '9' {
					return "", "", fmt.Errorf("bad port %q", port)
				}
			}
		}
	}

	switch {
	case host == "", host == "[]":
		return "", "", fmt.Errorf("empty host")
	case host == "*":
	case strings.HasPrefix(host, "*."):
		if strings.Contains(host[2:], "*") || len(host) == 2 {
			return "", "", fmt.Errorf("bad wildcard host %q", host)
		}
	case strings.Contains(host, "*"):
		return "", "", fmt.Errorf("wildcard must lead the host: %q", host)
	}
	return host, port, nil
}

// expression builds the anchored regular expression for the pattern.
// It uses only syntax shared by RE2 and ECMAScript.
func (mp *MatchPattern) expression() string {
	if mp.all {
		return `^[a-z][a-z0-9+.\-]*:.*$`
	}

	var b strings.Builder
	b.WriteString("^")

	switch mp.scheme {
	case "*":
		b.WriteString("https?")
	default:
		b.WriteString(regexp.QuoteMeta(mp.scheme))
	}
	b.WriteString("://")

	if mp.scheme != "file" {
		switch {
		case mp.host == "*":
			b.WriteString(`(?:\[[^\]/]+\]|[^/:\[]+)`)
		case strings.HasPrefix(mp.host, "*."):
			b.WriteString(`(?:[^/:]+\.)?`)
			b.WriteString(regexp.QuoteMeta(mp.host[2:]))
		default:
			b.WriteString(regexp.QuoteMeta(mp.host))
		}

		switch mp.port {
		case "", "*":
			b.WriteString(`(?::[0-9]+)?`)
		default:
			b.WriteString(":")
			b.WriteString(mp.port)
		}
	}

	pieces := strings.Split(mp.path, "*")
	for i, piece := range pieces {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(piece))
	}
	b.WriteString("$")
	return b.String()
}

// Regexp returns the pattern's regular expression source
func (mp *MatchPattern) Regexp() string {
	return mp.re.String()
}

// String returns the pattern as written
func (mp *MatchPattern) String() string {
	return mp.raw
}

// MatchesAll reports whether this is <all_urls>
func (mp *MatchPattern) MatchesAll() bool {
	return mp.all
}

// Match reports whether u matches the pattern
func (mp *MatchPattern) Match(u *url.URL) bool {
	if u == nil {
		return false
	}
	return mp.re.MatchString(NormalizeURL(u))
}

// MatchString parses rawURL and reports whether it matches.
// Unparseable URLs never match.
func (mp *MatchPattern) MatchString(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return false
	}
	return mp.Match(u)
}

// NormalizeURL renders u in the canonical form patterns are matched against:
// lowercase scheme and host, an explicit default port, a path of at least "/",
// the query kept and the fragment dropped.
func NormalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	query := ""
	if u.RawQuery != "" {
		query = "?" + u.RawQuery
	}

	if scheme == "file" {
		return "file://" + path + query
	}

	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[scheme]
	}
	if port != "" {
		host = host + ":" + port
	}
	return scheme + "://" + host + path + query
}

// MatchAny reports whether rawURL matches any pattern in patterns
func MatchAny(patterns []*MatchPattern, rawURL string) bool {
	for _, mp := range patterns {
		if mp.MatchString(rawURL) {
			return true
		}
	}
	return false
}
