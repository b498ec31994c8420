package capability

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

const (
	maxPageBytes   = 1 << 20
	maxPageChars   = 4000
	defaultResults = 5
	maxResults     = 10
	userAgent      = "Mozilla/5.0 (X11; Linux x86_64) iris/1.0"
)

var redditAliases = map[string]string{
	"tech":    "technology",
	"ia":      "artificial",
	"brasil":  "brasil",
	"news":    "worldnews",
	"dev":     "programming",
	"python":  "Python",
	"startup": "startups",
	"finance": "finance",
}

func (t *Toolkit) webCapabilities() []Capability {
	query := Param{Name: "query", Type: TypeString, Description: "termos de busca", Required: true}
	count := Param{Name: "max", Type: TypeInteger, Description: "numero de resultados (padrao 5, max 10)"}
	return []Capability{
		{
			Name:        "buscar_web",
			Description: "Busca na web (DuckDuckGo). Retorna titulo, trecho e link.",
			Params:      []Param{query, count},
			Func:        t.searchWeb,
		},
		{
			Name:        "buscar_noticias",
			Description: "Busca noticias recentes (Google News).",
			Params:      []Param{query, count},
			Func:        t.searchNews,
		},
		{
			Name:        "reddit",
			Description: "Posts em alta de um subreddit. Atalhos: tech, ia, brasil, news, dev, python, startup, finance.",
			Params: []Param{
				{Name: "subreddit", Type: TypeString, Description: "nome ou atalho do subreddit", Required: true},
				{Name: "limit", Type: TypeInteger, Description: "numero de posts (padrao 5, max 10)"},
			},
			Func: t.redditHot,
		},
		{
			Name:        "ler_url",
			Description: "Le o texto de uma pagina HTTPS publica.",
			Params:      []Param{{Name: "url", Type: TypeString, Description: "URL https", Required: true}},
			Func:        t.readURL,
		},
	}
}

func clampResults(n int) int {
	if n <= 0 {
		return defaultResults
	}
	if n > maxResults {
		return maxResults
	}
	return n
}

// get performs a GET and returns the body, bounded to maxPageBytes.
func (t *Toolkit) get(ctx context.Context, rawURL string, header http.Header) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

func (t *Toolkit) searchWeb(ctx context.Context, args Args) (string, error) {
	q := strings.TrimSpace(args.String("query"))
	if q == "" {
		return "", errors.New("query vazia")
	}
	body, status, err := t.get(ctx, t.Endpoints.Search+"?q="+url.QueryEscape(q), http.Header{
		"Accept":          {"text/html"},
		"Accept-Language": {"pt-BR,pt;q=0.9"},
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", status)
	}

	results, err := parseSearchResults(string(body), clampResults(args.Int("max")))
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "Nenhum resultado: " + q, nil
	}
	lines := make([]string, len(results))
	for i, r := range results {
		lines[i] = fmt.Sprintf("- %s: %s (%s)", r.Title, truncate(r.Snippet, 200), r.URL)
	}
	return strings.Join(lines, "\n"), nil
}

// parseSearchResults reads DuckDuckGo's HTML results page.
func parseSearchResults(page string, limit int) ([]searchResult, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var results []searchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") {
			if r := extractSearchResult(n); r.URL != "" && r.Title != "" {
				results = append(results, r)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

func extractSearchResult(n *html.Node) searchResult {
	var r searchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a"):
				r.URL = attr(n, "href")
				r.Title = nodeText(n)
			case hasClass(n, "result__snippet"):
				r.Snippet = nodeText(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	// DuckDuckGo wraps result links in a redirect.
	if u, err := url.Parse(r.URL); err == nil && strings.HasSuffix(u.Host, "duckduckgo.com") && u.Path == "/l/" {
		if target := u.Query().Get("uddg"); target != "" {
			r.URL = target
		}
	}
	return r
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
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

type rssFeed struct {
	Items []rssItem `xml:"channel>item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	Source      string `xml:"source"`
}

func (t *Toolkit) searchNews(ctx context.Context, args Args) (string, error) {
	q := strings.TrimSpace(args.String("query"))
	if q == "" {
		return "", errors.New("query vazia")
	}
	params := url.Values{"q": {q}, "hl": {"pt-BR"}, "gl": {"BR"}, "ceid": {"BR:pt-419"}}
	body, status, err := t.get(ctx, t.Endpoints.News+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", status)
	}

	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return "", fmt.Errorf("parse rss: %w", err)
	}
	if len(feed.Items) == 0 {
		return "Nenhuma noticia: " + q, nil
	}
	limit := clampResults(args.Int("max"))
	if len(feed.Items) > limit {
		feed.Items = feed.Items[:limit]
	}
	lines := make([]string, len(feed.Items))
	for i, it := range feed.Items {
		lines[i] = fmt.Sprintf("- [%s] %s: %s (%s)",
			it.Source, it.Title, truncate(htmlText(it.Description), 200), it.Link)
	}
	return strings.Join(lines, "\n"), nil
}

// htmlText flattens an HTML fragment to its text.
func htmlText(fragment string) string {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	return nodeText(doc)
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				Title     string `json:"title"`
				Score     int    `json:"score"`
				Permalink string `json:"permalink"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (t *Toolkit) redditHot(ctx context.Context, args Args) (string, error) {
	sub := strings.TrimPrefix(strings.TrimSpace(args.String("subreddit")), "r/")
	if sub == "" {
		return "", errors.New("subreddit vazio")
	}
	if alias, ok := redditAliases[strings.ToLower(sub)]; ok {
		sub = alias
	}
	endpoint := fmt.Sprintf("%s/r/%s/hot.json?limit=%d",
		strings.TrimRight(t.Endpoints.Reddit, "/"), url.PathEscape(sub), clampResults(args.Int("limit")))
	body, status, err := t.get(ctx, endpoint, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return fmt.Sprintf("Reddit HTTP %d", status), nil
	}

	var listing redditListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return "", fmt.Errorf("parse reddit: %w", err)
	}
	if len(listing.Data.Children) == 0 {
		return "Nenhum post.", nil
	}
	lines := make([]string, 0, len(listing.Data.Children))
	for _, c := range listing.Data.Children {
		lines = append(lines, fmt.Sprintf("[%d pts] %s", c.Data.Score, truncate(c.Data.Title, 150)))
	}
	return fmt.Sprintf("r/%s:\n%s", sub, strings.Join(lines, "\n")), nil
}

func (t *Toolkit) readURL(ctx context.Context, args Args) (string, error) {
	raw := strings.TrimSpace(args.String("url"))
	if raw == "" {
		return "", errors.New("missing required parameter: url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return "", errors.New("only https URLs are allowed")
	}
	if u.Hostname() == "" {
		return "", errors.New("url must include a hostname")
	}
	if err := validateExternalHost(ctx, u.Hostname()); err != nil {
		return "", err
	}

	client := *t.HTTP
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return errors.New("too many redirects")
		}
		if !strings.EqualFold(req.URL.Scheme, "https") {
			return errors.New("redirected to non-https URL")
		}
		return validateExternalHost(req.Context(), req.URL.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	text := pageText(doc)
	if text == "" {
		return "Pagina sem texto.", nil
	}
	return truncate(text, maxPageChars), nil
}

// pageText extracts the readable text of a page, one block per line.
func pageText(doc *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				sb.WriteString(s)
				sb.WriteString(" ")
			}
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "nav", "footer", "header", "svg", "iframe":
				return
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "tr", "section", "article":
				sb.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var lines []string
	for _, line := range strings.Split(sb.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func validateExternalHost(ctx context.Context, host string) error {
	if strings.EqualFold(host, "localhost") {
		return errors.New("localhost is blocked")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return errors.New("internal IP is blocked")
		}
		return nil
	}

	var resolver net.Resolver
	resolved, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("dns lookup failed: %w", err)
	}
	if len(resolved) == 0 {
		return errors.New("host did not resolve")
	}
	for _, addr := range resolved {
		if isBlockedIP(addr.IP) {
			return errors.New("host resolves to blocked IP")
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
