package capture

import (
	"net/url"
	"regexp"
	"strings"
)

// Locator is a parsed reference to a gated document.
type Locator struct {
	Raw        string `json:"raw"`
	URL        string `json:"url"`
	Host       string `json:"host"`
	DocumentID string `json:"document_id"`
}

var (
	documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{2,127}$`)
	// Path segments that introduce the document identifier, e.g. /view/<id>.
	pathMarkers = map[string]bool{
		"view": true, "viewer": true, "v": true, "doc": true, "docs": true,
		"document": true, "documents": true, "d": true, "s": true,
		"share": true, "p": true, "presentation": true, "deck": true,
	}
	// Query parameters that carry the document identifier.
	queryKeys = []string{"id", "doc", "docid", "documentid", "document"}
)

// LocatorParser validates document references. AllowedHosts, when set,
// restricts locators to those hosts and their subdomains.
type LocatorParser struct {
	AllowedHosts []string
}

// ParseLocator parses raw with no host restrictions.
func ParseLocator(raw string) (Locator, error) {
	return LocatorParser{}.Parse(raw)
}

// Parse accepts absolute http(s) URLs whose document identifier appears either
// in a query parameter (id, doc, docId, documentId, document) or in the path
// segment following a viewer marker such as /view/ or /d/.
func (p LocatorParser) Parse(raw string) (Locator, error) {
	const op = "parse locator"
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Locator{}, Errorf(KindInvalidLocator, op, "empty locator")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return Locator{}, Wrap(KindInvalidLocator, op, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Locator{}, Errorf(KindInvalidLocator, op, "unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Locator{}, Errorf(KindInvalidLocator, op, "missing host")
	}
	if u.User != nil {
		return Locator{}, Errorf(KindInvalidLocator, op, "credentials in locator are not allowed")
	}
	if !p.hostAllowed(host) {
		return Locator{}, Errorf(KindInvalidLocator, op, "host %q is not an allowed viewer", host)
	}
	id := documentIDFromQuery(u)
	if id == "" {
		id = documentIDFromPath(u.Path)
	}
	if id == "" {
		return Locator{}, Errorf(KindInvalidLocator, op, "no document identifier in %q", trimmed)
	}
	if !documentIDPattern.MatchString(id) {
		return Locator{}, Errorf(KindInvalidLocator, op, "malformed document identifier %q", id)
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return Locator{
		Raw:        raw,
		URL:        u.String(),
		Host:       host,
		DocumentID: id,
	}, nil
}

func (p LocatorParser) hostAllowed(host string) bool {
	if len(p.AllowedHosts) == 0 {
		return true
	}
	for _, allowed := range p.AllowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func documentIDFromQuery(u *url.URL) string {
	lowered := make(map[string]string)
	for key, values := range u.Query() {
		if len(values) > 0 {
			lowered[strings.ToLower(key)] = strings.TrimSpace(values[0])
		}
	}
	for _, key := range queryKeys {
		if v := lowered[key]; v != "" {
			return v
		}
	}
	return ""
}

func documentIDFromPath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if pathMarkers[strings.ToLower(segments[i])] && segments[i+1] != "" {
			return segments[i+1]
		}
	}
	return ""
}
