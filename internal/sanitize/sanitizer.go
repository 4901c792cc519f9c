package sanitize

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// imageClass is added to <img> tags that survive sanitization so the UI can
// constrain their display size.
const imageClass = "dh-inline-image"

// Sanitizer strips unsafe markup from inbound HTML bodies. It is a pure
// transformation: no state is mutated and Sanitize never fails.
type Sanitizer struct {
	policy        *bluemonday.Policy
	appHost       string
	storagePrefix string
}

// Option customizes a Sanitizer.
type Option func(*Sanitizer)

// WithAppHost sets the application host whose image URLs are trusted.
func WithAppHost(host string) Option {
	return func(s *Sanitizer) {
		s.appHost = strings.ToLower(strings.TrimSpace(host))
	}
}

// WithStoragePrefix sets the relative URL prefix for stored attachments.
func WithStoragePrefix(prefix string) Option {
	return func(s *Sanitizer) {
		if prefix != "" {
			s.storagePrefix = prefix
		}
	}
}

// New builds a sanitizer with the deskhub policy.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{storagePrefix: "/storage"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.policy = buildPolicy()
	return s
}

func buildPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	// Basic formatting
	p.AllowElements("b", "strong", "i", "em", "u", "s", "strike", "del")

	// Headings
	p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6")

	// Paragraphs, breaks, structure
	p.AllowElements("p", "br", "hr", "div", "span")

	// Lists
	p.AllowElements("ul", "ol", "li")

	// Quotes and code
	p.AllowElements("blockquote", "code", "pre")

	// Tables
	p.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td")
	p.AllowAttrs("colspan", "rowspan").OnElements("td", "th")

	// Images survive only after the DOM pass has vetted their src.
	p.AllowElements("img")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")

	// Links
	p.AllowElements("a")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(true)

	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements(
		"div", "span", "p", "ul", "ol", "li", "table", "tr", "td", "th",
		"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "code", "pre", "img",
	)

	return p
}

// Sanitize cleans an HTML fragment. Empty input returns empty output. The
// function is idempotent: sanitizing already-sanitized markup is a no-op.
func (s *Sanitizer) Sanitize(input string) string {
	if input == "" {
		return ""
	}
	rewritten, err := s.rewrite(input)
	if err != nil {
		// The tokenizer accepts arbitrary bytes, so this branch is only
		// reachable through reader failures. Fall back to the policy alone.
		rewritten = input
	}
	return s.policy.Sanitize(rewritten)
}

// SanitizePtr is the nullable variant: nil in, nil out.
func (s *Sanitizer) SanitizePtr(input *string) *string {
	if input == nil {
		return nil
	}
	out := s.Sanitize(*input)
	return &out
}

// dropWithContents lists elements removed together with everything inside
// them.
var dropWithContents = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Embed:    true,
	atom.Input:    true,
	atom.Button:   true,
	atom.Select:   true,
	atom.Textarea: true,
	atom.Option:   true,
}

// unwrapKeepChildren lists structural wrappers whose tag is removed but
// whose children stay.
var unwrapKeepChildren = map[atom.Atom]bool{
	atom.Form:     true,
	atom.Fieldset: true,
	atom.Label:    true,
}

func (s *Sanitizer) rewrite(input string) (string, error) {
	doc, err := html.Parse(strings.NewReader(input))
	if err != nil {
		return "", err
	}
	body := findBody(doc)
	if body == nil {
		return "", nil
	}
	s.walk(body)
	collapseLineBreaks(body)

	var sb strings.Builder
	for child := body.FirstChild; child != nil; child = child.NextSibling {
		if err := html.Render(&sb, child); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if body := findBody(child); body != nil {
			return body
		}
	}
	return nil
}

func (s *Sanitizer) walk(n *html.Node) {
	child := n.FirstChild
	for child != nil {
		next := child.NextSibling
		if child.Type == html.ElementNode {
			switch {
			case dropWithContents[child.DataAtom]:
				n.RemoveChild(child)
			case unwrapKeepChildren[child.DataAtom]:
				unwrap(n, child)
			case child.DataAtom == atom.Img:
				s.walk(child)
				s.rewriteImage(n, child)
			default:
				stripUnsafeAttrs(child)
				if child.DataAtom == atom.A {
					restrictHrefScheme(child)
				}
				s.walk(child)
			}
		}
		child = next
	}
}

// unwrap replaces node with its children under parent.
func unwrap(parent, node *html.Node) {
	for node.FirstChild != nil {
		child := node.FirstChild
		node.RemoveChild(child)
		parent.InsertBefore(child, node)
	}
	parent.RemoveChild(node)
}

func stripUnsafeAttrs(n *html.Node) {
	kept := n.Attr[:0]
	for _, attr := range n.Attr {
		key := strings.ToLower(attr.Key)
		if key == "style" || strings.HasPrefix(key, "on") {
			continue
		}
		kept = append(kept, attr)
	}
	n.Attr = kept
}

func restrictHrefScheme(n *html.Node) {
	kept := n.Attr[:0]
	for _, attr := range n.Attr {
		if strings.ToLower(attr.Key) == "href" && !safeLinkTarget(attr.Val) {
			continue
		}
		kept = append(kept, attr)
	}
	n.Attr = kept
}

func safeLinkTarget(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https", "mailto":
		return true
	default:
		return false
	}
}

// rewriteImage keeps an image only when it is served from the application's
// own storage; anything remote becomes a text placeholder.
func (s *Sanitizer) rewriteImage(parent, img *html.Node) {
	stripUnsafeAttrs(img)
	src := attrValue(img, "src")
	if s.trustedImageSource(src) {
		ensureClass(img, imageClass)
		return
	}
	alt := strings.TrimSpace(attrValue(img, "alt"))
	placeholder := "[Image]"
	if alt != "" {
		placeholder = "[Image: " + alt + "]"
	}
	parent.InsertBefore(&html.Node{Type: html.TextNode, Data: placeholder}, img)
	parent.RemoveChild(img)
}

func (s *Sanitizer) trustedImageSource(src string) bool {
	src = strings.TrimSpace(src)
	if src == "" {
		return false
	}
	if strings.HasPrefix(src, s.storagePrefix+"/") || src == s.storagePrefix {
		return true
	}
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return s.appHost != "" && strings.EqualFold(u.Hostname(), s.appHost)
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if strings.EqualFold(attr.Key, key) {
			return attr.Val
		}
	}
	return ""
}

func ensureClass(n *html.Node, class string) {
	for i, attr := range n.Attr {
		if strings.EqualFold(attr.Key, "class") {
			for _, token := range strings.Fields(attr.Val) {
				if token == class {
					return
				}
			}
			n.Attr[i].Val = strings.TrimSpace(attr.Val + " " + class)
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: "class", Val: class})
}

// collapseLineBreaks trims runs of more than two consecutive <br> elements
// down to two, everywhere in the tree.
func collapseLineBreaks(n *html.Node) {
	run := 0
	child := n.FirstChild
	for child != nil {
		next := child.NextSibling
		switch {
		case child.Type == html.ElementNode && child.DataAtom == atom.Br:
			run++
			if run > 2 {
				n.RemoveChild(child)
			}
		case child.Type == html.TextNode && strings.TrimSpace(child.Data) == "":
			// Whitespace between breaks does not reset the run.
		default:
			run = 0
			if child.Type == html.ElementNode {
				collapseLineBreaks(child)
			}
		}
		child = next
	}
}

var cidPattern = regexp.MustCompile(`(?i)src\s*=\s*["']cid:([^"']+)["']`)

// RewriteCIDReferences replaces cid: image sources with the URL the resolver
// supplies for that content id. Unresolved references are left alone so the
// sanitizer's image policy turns them into placeholders.
func RewriteCIDReferences(input string, resolve func(contentID string) (string, bool)) string {
	if input == "" || resolve == nil {
		return input
	}
	return cidPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := cidPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		if target, ok := resolve(strings.TrimSpace(groups[1])); ok {
			return `src="` + target + `"`
		}
		return match
	})
}
