package vod

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ScrapedSource is the payload a scraper endpoint returns once decoded.
type ScrapedSource struct {
	URL     string `json:"url"`
	Referer string `json:"referer,omitempty"`
	Origin  string `json:"origin,omitempty"`
	Quality string `json:"quality,omitempty"`
}

var errScraperShape = errors.New("scraper response: unrecognized shape")

// DecodeScraperResponse unwraps a scraper endpoint payload. The endpoints
// wrap their JSON in two base64 layers; some older ones use one, and a few
// return plain JSON. Each layer is tried in turn and the first parse into
// the known shape wins.
func DecodeScraperResponse(body []byte) (ScrapedSource, error) {
	cur := []byte(strings.TrimSpace(string(body)))
	for layer := 0; layer < 3; layer++ {
		if src, ok := tryScrapedJSON(cur); ok {
			return src, nil
		}
		dec, err := decodeB64(string(cur))
		if err != nil {
			break
		}
		cur = dec
	}
	return ScrapedSource{}, errScraperShape
}

func tryScrapedJSON(data []byte) (ScrapedSource, bool) {
	var src ScrapedSource
	if err := json.Unmarshal(data, &src); err != nil {
		return ScrapedSource{}, false
	}
	if src.URL == "" || !strings.Contains(src.URL, "://") {
		return ScrapedSource{}, false
	}
	return src, true
}

func decodeB64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("not base64")
}

// ParseCatalogHTML extracts catalog items from a provider listing page.
// Items are anchors whose href matches hrefMarker (e.g. "/movie/" or
// "/tv-show/"); the ID is the last path element, the title comes from the
// title attribute or the anchor text, and the poster from a nested <img>.
func ParseCatalogHTML(page []byte, hrefMarker, itemType string) ([]CatalogHTMLItem, error) {
	doc, err := html.Parse(strings.NewReader(string(page)))
	if err != nil {
		return nil, fmt.Errorf("parse catalog html: %w", err)
	}
	var items []CatalogHTMLItem
	seen := map[string]bool{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attr(n, "href")
			if strings.Contains(href, hrefMarker) {
				id := lastPathElement(href)
				if id != "" && !seen[id] {
					seen[id] = true
					title := attr(n, "title")
					if title == "" {
						title = strings.TrimSpace(textOf(n))
					}
					items = append(items, CatalogHTMLItem{
						ID:      id,
						Title:   title,
						Type:    itemType,
						Poster:  firstImgSrc(n),
						PageURL: href,
					})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return items, nil
}

// CatalogHTMLItem is one item scraped from a listing page.
type CatalogHTMLItem struct {
	ID      string
	Title   string
	Type    string
	Poster  string
	PageURL string
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func firstImgSrc(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "img" {
		if src := attr(n, "data-src"); src != "" {
			return src
		}
		return attr(n, "src")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if src := firstImgSrc(c); src != "" {
			return src
		}
	}
	return ""
}

func lastPathElement(href string) string {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	href = strings.TrimRight(href, "/")
	if i := strings.LastIndexByte(href, '/'); i >= 0 {
		return href[i+1:]
	}
	return href
}
