package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const userAgent = "Mozilla/5.0 (compatible; gbot/1.0)"

var blockedNets = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"169.254.0.0/16", "0.0.0.0/8", "100.64.0.0/10", "::1/128",
		"fc00::/7", "fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// checkFetchURL rejects non-http schemes and cloud metadata hosts
func checkFetchURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("blocked: scheme %q not allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, errors.New("blocked: empty hostname")
	}
	if host == "metadata.google.internal" || host == "metadata" {
		return nil, fmt.Errorf("blocked: metadata endpoint %q", host)
	}
	return u, nil
}

// newFetchClient returns an http client that refuses to connect to
// private addresses, checked at dial time so redirects and DNS changes
// are covered too.
func newFetchClient(timeout time.Duration, allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if allowPrivate {
				return dialer.DialContext(ctx, network, addr)
			}
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", host, err)
			}
			for _, ip := range ips {
				if isBlockedIP(ip.IP) {
					return nil, fmt.Errorf("blocked: %s resolves to private address %s", host, ip.IP)
				}
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, fmt.Errorf("connect %s: %w", host, lastErr)
		},
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("too many redirects")
			}
			_, err := checkFetchURL(req.URL.String())
			return err
		},
	}
}

// WebFetchTool downloads a page and returns its visible text
type WebFetchTool struct {
	client   *http.Client
	maxBytes int64
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Group() Group { return GroupWeb }

func (t *WebFetchTool) Description() string {
	return "Fetch a web page or API URL and return its readable text. Long pages are split; use offset to page through."
}

func (t *WebFetchTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"url":    prop("string", "http or https URL"),
		"offset": prop("integer", "Chunk index for long pages, starting at 0"),
	}, "url")
}

func (t *WebFetchTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		URL    string `json:"url"`
		Offset int    `json:"offset"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	u, err := checkFetchURL(in.URL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	text := ExtractVisibleText(body, contentType)
	return formatPage(resp.Status, contentType, len(body), text, in.Offset), nil
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearchTool queries an HTML search endpoint (DuckDuckGo's by default)
type WebSearchTool struct {
	client    *http.Client
	searchURL string
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Group() Group { return GroupWeb }
func (t *WebSearchTool) Description() string {
	return "Search the web. Returns titles, URLs and snippets."
}

func (t *WebSearchTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"query": prop("string", "Search query"),
		"limit": prop("integer", "Maximum results (default 5, max 10)"),
	}, "query")
}

func (t *WebSearchTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", errors.New("query is required")
	}
	if in.Limit <= 0 {
		in.Limit = 5
	}
	in.Limit = min(in.Limit, 10)

	endpoint, err := url.Parse(t.searchURL)
	if err != nil {
		return "", fmt.Errorf("search endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("q", in.Query)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("search: HTTP %s", resp.Status)
	}

	results, err := parseSearchResults(resp.Body, in.Limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results for %q.", in.Query), nil
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Snippet)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// parseSearchResults reads a DuckDuckGo HTML result page
func parseSearchResults(r io.Reader, limit int) ([]searchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse results: %w", err)
	}

	var results []searchResult
	var current *searchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= limit {
			return
		}
		if n.Type == html.ElementNode {
			class := attr(n, "class")
			switch {
			case n.DataAtom == atom.A && hasClass(class, "result__a"):
				if current != nil && current.Title != "" && current.URL != "" {
					results = append(results, *current)
				}
				current = &searchResult{Title: nodeText(n), URL: resultURL(attr(n, "href"))}
				return
			case hasClass(class, "result__snippet") && current != nil:
				current.Snippet = nodeText(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if current != nil && current.Title != "" && current.URL != "" && len(results) < limit {
		results = append(results, *current)
	}
	return results, nil
}

// resultURL unwraps DuckDuckGo's redirect links
func resultURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(classes, want string) bool {
	for _, c := range strings.Fields(classes) {
		if c == want {
			return true
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
