package email

import (
	"fmt"
	"strings"

	"blog-notifier/pkg/blog"
)

func writeHead(b *strings.Builder, extraCSS string) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; }\n")
	b.WriteString(".container { max-width: 600px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString(".header { background: linear-gradient(135deg, #667eea 0%, #764ba2 100%); color: white; padding: 30px; text-align: center; border-radius: 12px 12px 0 0; }\n")
	b.WriteString(".content { background: white; padding: 30px; border: 1px solid #e0e0e0; border-top: none; border-radius: 0 0 12px 12px; }\n")
	b.WriteString(".button { display: inline-block; background: #3579ff; color: white; padding: 12px 30px; text-decoration: none; border-radius: 999px; margin: 20px 0; }\n")
	b.WriteString(".footer { text-align: center; margin-top: 20px; font-size: 12px; color: #666; }\n")
	b.WriteString(extraCSS)
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".content { background: #2a2a2a; border-color: #444; }\n")
	b.WriteString(".footer { color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")
	b.WriteString("<div class=\"container\">\n")
}

func writeHeader(b *strings.Builder, title string) {
	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h1 style=\"margin: 0;\">%s</h1>\n", escapeHTML(title)))
	b.WriteString("</div>\n")
}

// writeFooter closes the content block and the document.
func (s *Sender) writeFooter(b *strings.Builder, reason string) {
	b.WriteString(fmt.Sprintf("<p>Best,<br><strong>%s</strong></p>\n", escapeHTML(s.siteName())))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	if reason != "" {
		b.WriteString(fmt.Sprintf("<p>%s</p>\n", escapeHTML(reason)))
	}
	b.WriteString(fmt.Sprintf("<p><a href=\"%s\">Manage preferences</a></p>\n", escapeHTML(s.settingsURL())))
	b.WriteString("</div>\n")
	b.WriteString("</div>\n</body>\n</html>")
}

func (s *Sender) formatWelcomeBody(u *blog.User) string {
	var b strings.Builder
	writeHead(&b, "ul { line-height: 2; }\n")
	writeHeader(&b, "Welcome!")

	b.WriteString("<div class=\"content\">\n")
	b.WriteString(fmt.Sprintf("<p>Hi %s,</p>\n", escapeHTML(greetingName(u))))
	b.WriteString(fmt.Sprintf("<p>Thanks for joining %s!</p>\n", escapeHTML(s.siteName())))
	b.WriteString("<p><strong>You'll receive updates about:</strong></p>\n")
	b.WriteString("<ul>\n")
	b.WriteString("<li>New posts and articles</li>\n")
	b.WriteString("<li>Project launches and updates</li>\n")
	b.WriteString("<li>Replies to your comments (if enabled)</li>\n")
	b.WriteString("</ul>\n")
	b.WriteString(fmt.Sprintf("<p style=\"text-align: center;\"><a href=\"%s\" class=\"button\">Manage Your Preferences</a></p>\n", escapeHTML(s.settingsURL())))
	b.WriteString("<p>Looking forward to connecting with you!</p>\n")

	s.writeFooter(&b, "You're receiving this because you created an account at "+s.siteName()+".")
	return b.String()
}

func (s *Sender) formatWelcomeText(u *blog.User) string {
	return fmt.Sprintf("Hi %s,\n\nThanks for subscribing! You'll receive updates about new posts and project launches.\n\nBest,\n%s",
		greetingName(u), s.siteName())
}

func (s *Sender) formatNewPostBody(u *blog.User, p *blog.Post) string {
	var b strings.Builder
	writeHead(&b, ".post-title { color: #3579ff; margin-top: 0; }\n")
	writeHeader(&b, "New Post Published!")

	b.WriteString("<div class=\"content\">\n")
	b.WriteString(fmt.Sprintf("<p>Hi %s,</p>\n", escapeHTML(greetingName(u))))
	b.WriteString("<p>A new post was just published that you might enjoy:</p>\n")
	b.WriteString(fmt.Sprintf("<h2 class=\"post-title\">%s</h2>\n", escapeHTML(p.Title)))
	if ex := excerpt(p); ex != "" {
		b.WriteString(fmt.Sprintf("<p class=\"excerpt\" style=\"color: #666;\">%s</p>\n", escapeHTML(ex)))
	}
	b.WriteString(fmt.Sprintf("<p style=\"text-align: center;\"><a href=\"%s\" class=\"button\">Read Post &rarr;</a></p>\n", escapeHTML(s.postURL(p.ID))))
	b.WriteString("<p>Happy reading!</p>\n")

	s.writeFooter(&b, "You're receiving this because you subscribed to new post notifications.")
	return b.String()
}

func (s *Sender) formatCommentBody(u *blog.User, p *blog.Post, c *blog.Comment) string {
	var b strings.Builder
	writeHead(&b, ".comment-box { background: #f5f5f5; padding: 20px; border-left: 4px solid #3579ff; margin: 20px 0; border-radius: 4px; }\n")
	writeHeader(&b, "New Comment")

	author := strings.TrimSpace(c.Name)
	if author == "" {
		author = "Someone"
	}

	b.WriteString("<div class=\"content\">\n")
	b.WriteString(fmt.Sprintf("<p>Hi %s,</p>\n", escapeHTML(greetingName(u))))
	b.WriteString(fmt.Sprintf("<p><strong>%s</strong> left a new comment on <strong>&quot;%s&quot;</strong> where you previously commented:</p>\n",
		escapeHTML(author), escapeHTML(p.Title)))
	b.WriteString("<div class=\"comment-box\">\n")
	b.WriteString(fmt.Sprintf("<p style=\"margin: 0;\">%s</p>\n", escapeHTML(c.Text)))
	b.WriteString("</div>\n")
	b.WriteString(fmt.Sprintf("<p style=\"text-align: center;\"><a href=\"%s\" class=\"button\">View Discussion &rarr;</a></p>\n", escapeHTML(s.postURL(p.ID))))

	s.writeFooter(&b, "You're receiving this because you commented on this post.")
	return b.String()
}

// formatDigestPosts renders the post listing once; it is embedded in every recipient's email.
func (s *Sender) formatDigestPosts(posts []*blog.Post) string {
	var b strings.Builder
	for _, p := range posts {
		b.WriteString("<div class=\"post\" style=\"margin-bottom: 30px; padding-bottom: 30px; border-bottom: 1px solid #e0e0e0;\">\n")
		b.WriteString(fmt.Sprintf("<h3 style=\"margin: 0 0 10px 0; color: #3579ff;\">%s</h3>\n", escapeHTML(p.Title)))
		b.WriteString(fmt.Sprintf("<p style=\"color: #666; margin: 0 0 10px 0;\">%s</p>\n", escapeHTML(excerpt(p))))
		b.WriteString(fmt.Sprintf("<p style=\"margin: 0;\"><a href=\"%s\" style=\"color: #3579ff; text-decoration: none;\">Read more &rarr;</a></p>\n", escapeHTML(s.postURL(p.ID))))
		b.WriteString("</div>\n")
	}
	return b.String()
}

func (s *Sender) formatDigestPostsText(posts []*blog.Post) string {
	var b strings.Builder
	for _, p := range posts {
		b.WriteString(p.Title)
		b.WriteString("\n")
		if ex := excerpt(p); ex != "" {
			b.WriteString(ex)
			b.WriteString("\n")
		}
		b.WriteString(s.postURL(p.ID))
		b.WriteString("\n\n")
	}
	return b.String()
}

func (s *Sender) formatDigestBody(u *blog.User, d *Digest) string {
	var b strings.Builder
	writeHead(&b, "")
	writeHeader(&b, "Your Weekly Digest")

	b.WriteString("<div class=\"content\">\n")
	b.WriteString(fmt.Sprintf("<p>Hi %s,</p>\n", escapeHTML(greetingName(u))))
	b.WriteString("<p>Here's what was published this week:</p>\n")
	b.WriteString(d.html)
	b.WriteString("<p>Thanks for being part of the community!</p>\n")

	s.writeFooter(&b, "You're receiving this because you subscribed to the weekly digest.")
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
