package knowledge

import (
	"bytes"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Tags never worth converting, and class names marking page chrome.
var (
	chromeTags = map[string]bool{
		"nav": true, "header": true, "footer": true, "aside": true,
		"script": true, "style": true, "noscript": true, "iframe": true,
		"form": true, "button": true, "svg": true,
	}
	chromeClasses = map[string]bool{
		"nav": true, "navbar": true, "sidebar": true, "menu": true,
		"footer": true, "header": true, "breadcrumb": true, "cookie-banner": true,
		"advertisement": true, "ad": true, "share": true, "comments": true,
	}
)

// document is a converted page.
type document struct {
	Title    string
	Markdown string
}

type converter struct {
	md *md.Converter
}

func newConverter() *converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return &converter{md: c}
}

// convert extracts the title and main content of an HTML page as Markdown.
// Plain-text bodies pass through unchanged.
func (c *converter) convert(body []byte, contentType string) (*document, error) {
	if strings.HasPrefix(contentType, "text/plain") || strings.HasPrefix(contentType, "text/markdown") {
		text := strings.TrimSpace(string(body))
		return &document{Title: firstHeading(text), Markdown: text}, nil
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	title := ""
	if t := find(root, func(n *html.Node) bool { return n.Data == "title" }); t != nil && t.FirstChild != nil {
		title = strings.TrimSpace(t.FirstChild.Data)
	}

	content := find(root, func(n *html.Node) bool {
		return n.Data == "main" || n.Data == "article" || attr(n, "role") == "main"
	})
	if content == nil {
		content = find(root, func(n *html.Node) bool { return n.Data == "body" })
	}
	if content == nil {
		content = root
	}
	stripChrome(content)

	var buf bytes.Buffer
	if err := html.Render(&buf, content); err != nil {
		return nil, err
	}
	markdown, err := c.md.ConvertString(buf.String())
	if err != nil {
		return nil, err
	}
	markdown = tidy(markdown)

	if title == "" {
		title = firstHeading(markdown)
	}
	return &document{Title: title, Markdown: markdown}, nil
}

// find returns the first element node in document order matching match.
func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// stripChrome removes navigation, scripts and similar elements below n.
func stripChrome(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && isChrome(c) {
			n.RemoveChild(c)
		} else {
			stripChrome(c)
		}
		c = next
	}
}

func isChrome(n *html.Node) bool {
	if chromeTags[n.Data] {
		return true
	}
	for _, class := range strings.Fields(strings.ToLower(attr(n, "class"))) {
		if chromeClasses[class] {
			return true
		}
	}
	return false
}

func tidy(markdown string) string {
	lines := strings.Split(markdown, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

func firstHeading(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
