// Package parser extracts districts, municipalities and results from the
// election site's markup. Every function is a pure function of its input.
package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Parse wraps raw page content into a queryable document.
func Parse(content []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	return doc, nil
}

// Lookup is the outcome of locating an optional element: Found(value) or Missing.
type Lookup struct {
	value string
	found bool
}

// Found wraps a located value.
func Found(value string) Lookup {
	return Lookup{value: value, found: true}
}

// Missing reports an element that is not on the page.
func Missing() Lookup {
	return Lookup{}
}

// Get returns the value and whether it was found.
func (l Lookup) Get() (string, bool) {
	return l.value, l.found
}

// Or returns the value, or fallback when the element was missing.
func (l Lookup) Or(fallback string) string {
	if !l.found {
		return fallback
	}
	return l.value
}

// ResolveReference rebases ref onto pageURL: everything up to the last slash
// of pageURL, then ref.
func ResolveReference(pageURL, ref string) string {
	prefix := pageURL
	if i := strings.LastIndex(pageURL, "/"); i >= 0 {
		prefix = pageURL[:i]
	}
	return prefix + "/" + strings.TrimPrefix(ref, "/")
}

// text concatenates the trimmed text fragments under the selection.
func text(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(strings.TrimSpace(n.Data))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return b.String()
}

// anchorRef returns the href of the first anchor under sel.
func anchorRef(sel *goquery.Selection) Lookup {
	href, ok := sel.Find("a").First().Attr("href")
	if !ok || href == "" {
		return Missing()
	}
	return Found(href)
}

// headersEqual reports whether the headers attribute holds exactly want, in order.
func headersEqual(sel *goquery.Selection, want ...string) bool {
	got := strings.Fields(sel.AttrOr("headers", ""))
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// dataRows returns the rows of table after skipping the first skip header rows.
func dataRows(table *goquery.Selection, skip int) *goquery.Selection {
	rows := table.Find("tr")
	if rows.Length() <= skip {
		return rows.Slice(0, 0)
	}
	return rows.Slice(skip, rows.Length())
}
