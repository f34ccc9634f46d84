package scrape

import (
	"encoding/hex"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sysiphe/contactfinder/internal/discover/emails"
)

// PageEmails returns the distinct addresses on a page: visible text, mailto: links and
// Cloudflare-obfuscated addresses.
func PageEmails(p Page) []string {
	if !p.IsHTML() {
		return emails.Extract(p.Body)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.Body))
	if err != nil {
		return emails.Extract(p.Body)
	}
	doc.Find("script, style, noscript").Remove()

	var b strings.Builder
	b.WriteString(doc.Text())
	doc.Find(`a[href^="mailto:"], a[href^="MAILTO:"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		b.WriteByte(' ')
		b.WriteString(mailtoAddress(href))
	})
	doc.Find("[data-cfemail]").Each(func(_ int, s *goquery.Selection) {
		enc, _ := s.Attr("data-cfemail")
		b.WriteByte(' ')
		b.WriteString(decodeCFEmail(enc))
	})

	out := emails.Extract(b.String())
	slices.Sort(out)
	return slices.Compact(out)
}

func mailtoAddress(href string) string {
	addr := href[len("mailto:"):]
	addr, _, _ = strings.Cut(addr, "?")
	if un, err := url.PathUnescape(addr); err == nil {
		addr = un
	}
	return strings.ReplaceAll(addr, ",", " ")
}

// decodeCFEmail reverses Cloudflare's email protection: the first byte is an XOR key for the
// remaining hex-encoded bytes.
func decodeCFEmail(enc string) string {
	raw, err := hex.DecodeString(strings.TrimSpace(enc))
	if err != nil || len(raw) < 2 {
		return ""
	}
	key := raw[0]
	out := make([]byte, len(raw)-1)
	for i, c := range raw[1:] {
		out[i] = c ^ key
	}
	return string(out)
}
