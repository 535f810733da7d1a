package email

import (
	"strings"

	"blog-notifier/pkg/blog"

	"github.com/PuerkitoBio/goquery"
)

const maxExcerptRunes = 200

// plainText derives a text alternative from a rendered HTML body.
// Block elements become paragraphs and link targets are appended in brackets.
func plainText(htmlBody string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return ""
	}
	doc.Find("head, style, script").Remove()

	var paras []string
	doc.Find("h1, h2, h3, p, li").Each(func(_ int, sel *goquery.Selection) {
		text := collapseSpace(sel.Text())
		sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			if href, ok := a.Attr("href"); ok && href != "" && !strings.Contains(text, href) {
				text += " [" + href + "]"
			}
		})
		if text == "" {
			return
		}
		if goquery.NodeName(sel) == "li" {
			text = "- " + text
		}
		paras = append(paras, text)
	})

	return strings.Join(paras, "\n\n")
}

// excerpt returns the post's excerpt, or a shortened rendering of its content when empty.
func excerpt(p *blog.Post) string {
	if ex := strings.TrimSpace(p.Excerpt); ex != "" {
		return ex
	}
	if strings.TrimSpace(p.Content) == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.Content))
	if err != nil {
		return ""
	}
	doc.Find("style, script, figure, pre").Remove()
	return truncate(collapseSpace(doc.Text()), maxExcerptRunes)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	cut := string(r[:limit])
	if i := strings.LastIndex(cut, " "); i > limit/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "…"
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
