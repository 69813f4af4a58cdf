// Package normalize turns raw feed items into canonical articles.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"feed_relay/internal/domain"
)

// DerivedIDPrefix marks ids hashed from link+title. Such ids change when
// upstream edits the link or the title.
const DerivedIDPrefix = "h:"

var (
	breakTags  = regexp.MustCompile(`(?i)<br\s*/?>|</p\s*>|</div\s*>|</li\s*>|</h[1-6]\s*>`)
	manyBlanks = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t\r\f\v]+`)
	tagSplit   = regexp.MustCompile(`[;,/|#]`)
)

type Normalizer struct {
	body   *bluemonday.Policy
	strict *bluemonday.Policy
	now    func() time.Time
}

func New() *Normalizer {
	return &Normalizer{
		body:   bluemonday.UGCPolicy(),
		strict: bluemonday.StrictPolicy(),
		now:    time.Now,
	}
}

// WithClock replaces the clock used for entries that carry no timestamp.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize maps item to an Article. Entries without identity, title or link
// are rejected with a *domain.ParseError; callers skip them.
// base resolves relative links, usually the feed's own link.
func (n *Normalizer) Normalize(item *gofeed.Item, base string) (*domain.Article, error) {
	if item == nil {
		return nil, &domain.ParseError{Reason: "nil entry"}
	}

	ref := strings.TrimSpace(item.GUID)
	if ref == "" {
		ref = strings.TrimSpace(item.Link)
	}

	title := n.Text(item.Title)
	if title == "" {
		return nil, &domain.ParseError{Entry: ref, Reason: "missing title"}
	}

	rawLink := strings.TrimSpace(item.Link)
	if rawLink == "" && len(item.Links) > 0 {
		rawLink = strings.TrimSpace(item.Links[0])
	}
	if rawLink == "" {
		return nil, &domain.ParseError{Entry: ref, Reason: "missing link"}
	}
	link, ok := ResolveURL(base, rawLink)
	if !ok {
		return nil, &domain.ParseError{Entry: ref, Reason: "malformed link " + rawLink}
	}

	id := strings.TrimSpace(item.GUID)
	derived := false
	if id == "" {
		id = DeriveID(link, title)
		derived = true
	}

	rawHTML := item.Content
	if strings.TrimSpace(rawHTML) == "" {
		rawHTML = item.Description
	}
	summarySrc := item.Description
	if strings.TrimSpace(summarySrc) == "" {
		summarySrc = item.Content
	}

	article := &domain.Article{
		ID:        id,
		IDDerived: derived,
		Title:     title,
		Summary:   n.Text(summarySrc),
		Body:      strings.TrimSpace(n.body.Sanitize(rawHTML)),
		Author:    author(item),
		Link:      link,
		Tags:      Tags(item.Categories),
	}
	if len(item.Categories) > 0 {
		article.Category = strings.TrimSpace(item.Categories[0])
	}

	switch {
	case item.PublishedParsed != nil:
		article.PublishedAt = item.PublishedParsed.UTC()
		if item.UpdatedParsed != nil {
			u := item.UpdatedParsed.UTC()
			article.UpdatedAt = &u
		}
	case item.UpdatedParsed != nil:
		article.PublishedAt = item.UpdatedParsed.UTC()
	default:
		article.PublishedAt = n.now().UTC()
	}

	if m := n.media(item, link, rawHTML); m != nil {
		article.Media = m
	}

	return article, nil
}

// Text strips all markup from s and returns readable plain text.
func (n *Normalizer) Text(s string) string {
	if s == "" {
		return ""
	}
	s = breakTags.ReplaceAllString(s, "\n")
	s = html.UnescapeString(n.strict.Sanitize(s))

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	s = manyBlanks.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// DeriveID hashes link and title into a stable identity for entries without a GUID.
func DeriveID(link, title string) string {
	sum := sha256.Sum256([]byte(link + "\n" + title))
	return DerivedIDPrefix + hex.EncodeToString(sum[:16])
}

// Tags splits raw category terms into tags. Order of first appearance is kept,
// duplicates are collapsed case-insensitively and the first casing wins.
func Tags(terms []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, term := range terms {
		for _, part := range tagSplit.Split(term, -1) {
			tag := strings.Join(strings.Fields(part), " ")
			if tag == "" {
				continue
			}
			key := strings.ToLower(tag)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

// ResolveURL resolves ref against base and accepts only absolute http(s) URLs.
func ResolveURL(base, ref string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	if !u.IsAbs() && base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", false
		}
		u = b.ResolveReference(u)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return u.String(), true
}

func author(item *gofeed.Item) string {
	if item.Author != nil && strings.TrimSpace(item.Author.Name) != "" {
		return strings.TrimSpace(item.Author.Name)
	}
	for _, a := range item.Authors {
		if a != nil && strings.TrimSpace(a.Name) != "" {
			return strings.TrimSpace(a.Name)
		}
	}
	if item.DublinCoreExt != nil && len(item.DublinCoreExt.Creator) > 0 {
		return strings.TrimSpace(item.DublinCoreExt.Creator[0])
	}
	return ""
}

func (n *Normalizer) media(item *gofeed.Item, link, rawHTML string) *domain.Media {
	candidates := make([]domain.Media, 0, 4)

	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			candidates = append(candidates, domain.Media{URL: enc.URL, Type: enc.Type})
		}
	}
	if item.Image != nil && item.Image.URL != "" {
		candidates = append(candidates, domain.Media{URL: item.Image.URL})
	}
	if media, ok := item.Extensions["media"]; ok {
		for _, name := range []string{"content", "thumbnail"} {
			for _, e := range media[name] {
				u := e.Attrs["url"]
				if u == "" {
					continue
				}
				typ := e.Attrs["type"]
				if name == "content" && e.Attrs["medium"] != "image" && !strings.HasPrefix(typ, "image/") {
					continue
				}
				candidates = append(candidates, domain.Media{URL: u, Type: typ})
			}
		}
	}
	if src := firstImage(rawHTML); src != "" {
		candidates = append(candidates, domain.Media{URL: src})
	}

	for _, c := range candidates {
		if abs, ok := ResolveURL(link, c.URL); ok {
			return &domain.Media{URL: abs, Type: c.Type}
		}
	}
	return nil
}

func firstImage(rawHTML string) string {
	if !strings.Contains(rawHTML, "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return strings.TrimSpace(src)
}
