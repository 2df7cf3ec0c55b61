package extract

import (
	"bytes"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

type htmlMeta struct {
	spec Spec
}

func (h *htmlMeta) Extract(body []byte) (map[string]string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse html")
	}

	out := make(map[string]string, len(h.spec.Meta)+len(h.spec.Links))
	for _, col := range h.spec.Meta {
		out[col] = ""
	}
	for _, col := range h.spec.Links {
		out[col] = ""
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				h.meta(n, out)
			case "a":
				h.link(n, out)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if err := checkRequired(out, h.spec.Required); err != nil {
		return out, err
	}
	return out, nil
}

// meta records the first content value seen for each configured key.
func (h *htmlMeta) meta(n *html.Node, out map[string]string) {
	var key, content string
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "name", "property", "itemprop":
			if key == "" {
				key = a.Val
			}
		case "content":
			content = a.Val
		}
	}
	col, ok := h.spec.Meta[key]
	if !ok || out[col] != "" {
		return
	}
	out[col] = strings.TrimSpace(content)
}

func (h *htmlMeta) link(n *html.Node, out map[string]string) {
	if len(h.spec.Links) == 0 {
		return
	}
	href := attr(n, "href")
	if href == "" {
		return
	}
	text := strings.Join(strings.Fields(textOf(n)), " ")
	for needle, col := range h.spec.Links {
		if out[col] == "" && strings.Contains(text, needle) {
			out[col] = href
		}
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return strings.TrimSpace(a.Val)
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
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
