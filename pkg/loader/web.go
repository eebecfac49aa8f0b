package loader

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/logger"
)

// Metadata keys set by the web loader.
const (
	MetaTitle        = "title"
	MetaDepth        = "depth"
	MetaContentType  = "content_type"
	MetaLastModified = "last_modified"
)

type WebLoaderConfig struct {
	MaxDepth          int
	MaxPages          int
	RateLimit         float64 // requests per second
	IgnorePatterns    []string
	AllowedExtensions []string
	Timeout           time.Duration
	UserAgent         string
	OnProgress        func(url string)
	Logger            logger.Logger
}

// WebLoader crawls pages on the host of the start URL and returns one
// Document per page, using the page's main content area.
type WebLoader struct {
	config  WebLoaderConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logger.Logger
}

type crawl struct {
	host    string
	domain  string
	visited map[string]bool
	docs    []models.Document
}

type progressKey struct{}

// WithProgress attaches a per-crawl page callback to ctx. It runs in addition
// to WebLoaderConfig.OnProgress.
func WithProgress(ctx context.Context, fn func(url string)) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

func NewWebLoader(config WebLoaderConfig) *WebLoader {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 3
	}
	if config.MaxPages == 0 {
		config.MaxPages = 500
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}
	if config.UserAgent == "" {
		config.UserAgent = "ragpipe/1.0"
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	return &WebLoader{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		log:     config.Logger,
	}
}

// Load crawls from startURL. Only the start page failing is an error; link
// failures are logged and skipped.
func (w *WebLoader) Load(ctx context.Context, startURL, domain string) ([]models.Document, error) {
	parsed, err := url.Parse(startURL)
	if err != nil || !parsed.IsAbs() {
		return nil, fmt.Errorf("%w: invalid start url %q", types.ErrInput, startURL)
	}

	c := &crawl{host: parsed.Host, domain: domain, visited: make(map[string]bool)}
	if err := w.visit(ctx, c, parsed.String(), 0); err != nil {
		return nil, err
	}

	w.log.Info("crawl finished", "url", startURL, "pages", len(c.docs))
	return c.docs, nil
}

func (w *WebLoader) shouldProcessURL(c *crawl, urlStr string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return false
	}
	if parsedURL.Host != c.host {
		return false
	}

	path := strings.ToLower(parsedURL.Path)
	validExt := false
	for _, allowedExt := range w.config.AllowedExtensions {
		if allowedExt == "" {
			if !strings.Contains(path[strings.LastIndex(path, "/")+1:], ".") {
				validExt = true
				break
			}
			continue
		}
		if strings.HasSuffix(path, allowedExt) {
			validExt = true
			break
		}
	}
	if !validExt {
		return false
	}

	for _, pattern := range w.config.IgnorePatterns {
		if strings.Contains(urlStr, pattern) {
			return false
		}
	}
	return true
}

var noisePatterns = []string{
	"Cookie Policy",
	"Accept Cookies",
	"Privacy Policy",
	"Terms of Service",
}

func cleanContent(content string) string {
	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}
	return strings.TrimSpace(content)
}

func extractMainContent(doc *goquery.Document) string {
	selectors := []string{
		"main",
		"article",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}

	for _, selector := range selectors {
		if selected := doc.Find(selector).First(); selected.Length() > 0 {
			sub := goquery.NewDocumentFromNode(selected.Nodes[0])
			if text := htmlText(sub); text != "" {
				return cleanContent(text)
			}
		}
	}
	return cleanContent(htmlText(doc))
}

func (w *WebLoader) visit(ctx context.Context, c *crawl, urlStr string, depth int) error {
	if depth > w.config.MaxDepth || c.visited[urlStr] || len(c.docs) >= w.config.MaxPages {
		return nil
	}
	if !w.shouldProcessURL(c, urlStr) {
		return nil
	}

	c.visited[urlStr] = true
	if w.config.OnProgress != nil {
		w.config.OnProgress(urlStr)
	}
	if fn, ok := ctx.Value(progressKey{}).(func(string)); ok {
		fn(urlStr)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrInput, err)
	}
	req.Header.Set("User-Agent", w.config.UserAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetch %s: %w", types.ErrExternalService, urlStr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: received status code %d for URL: %s", types.ErrExternalService, resp.StatusCode, urlStr)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("parse %s: %w", urlStr, err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	links := collectLinks(doc, resp.Request.URL)
	content := extractMainContent(doc)

	if content != "" {
		md := models.NewMetadata()
		md.Set(MetaSource, urlStr)
		md.Set(MetaTitle, title)
		md.Set(MetaDepth, depth)
		md.Set(MetaContentType, resp.Header.Get("Content-Type"))
		md.Set(MetaLastModified, resp.Header.Get("Last-Modified"))
		c.docs = append(c.docs, models.Document{
			ID:        uuid.NewString(),
			Domain:    c.domain,
			Source:    urlStr,
			Text:      content,
			Metadata:  md,
			Timestamp: time.Now().UTC(),
		})
	}

	for _, link := range links {
		if err := w.visit(ctx, c, link, depth+1); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("error scraping url", "url", link, "error", err)
		}
	}
	return nil
}

// collectLinks resolves every anchor against base and drops fragments.
func collectLinks(doc *goquery.Document, base *url.URL) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, _ := selection.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		links = append(links, abs.String())
	})
	return links
}
