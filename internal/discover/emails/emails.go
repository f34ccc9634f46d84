// Package emails extracts, ranks and validates contact emails found in page text and search
// snippets.
package emails

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

var emailRe = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)

// Placeholder domains seen in templates and docs. Matched on the exact domain (or a subdomain
// of it), never as a substring.
var placeholderDomains = []string{
	"example.com",
	"yourcompany.com",
	"email.com",
	"domain.com",
	"test.com",
}

// Asset file names like "logo@2x.png" look like addresses to the regex.
var assetTLDs = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "svg": true,
	"webp": true, "css": true, "js": true, "ico": true, "avif": true,
}

// Generic inbox local parts, most preferred first.
var preferredLocalParts = []string{
	"info", "contact", "hello", "sales", "support", "admin",
	"enquiries", "enquiry", "office", "team",
}

// Local parts rewarded by Rank, most valuable first.
var rankedLocalParts = []string{
	"contact", "hello", "info", "support", "sales", "admin",
	"enquiries", "enquiry", "privacy",
}

var freeProviders = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "outlook.com": true, "hotmail.com": true,
	"live.com": true, "yahoo.com": true, "yahoo.com.au": true, "icloud.com": true,
	"aol.com": true, "proton.me": true, "protonmail.com": true, "bigpond.com": true,
}

// Extract returns the distinct, lower-cased, sorted addresses found in text.
func Extract(text string) []string {
	if text == "" {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, m := range emailRe.FindAllString(text, -1) {
		e := strings.ToLower(strings.Trim(m, "."))
		if seen[e] || !plausible(e) {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}

func plausible(email string) bool {
	dom := Domain(email)
	if dom == "" {
		return false
	}
	if tld := dom[strings.LastIndexByte(dom, '.')+1:]; assetTLDs[tld] {
		return false
	}
	for _, bad := range placeholderDomains {
		if dom == bad || strings.HasSuffix(dom, "."+bad) {
			return false
		}
	}
	return true
}

// Domain returns the lower-cased domain part of email, or "" when there is none.
func Domain(email string) string {
	_, dom, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok {
		return ""
	}
	return strings.ToLower(dom)
}

// Host normalizes a site URL or bare host: scheme, path, port and a leading "www." are removed.
func Host(site string) string {
	s := strings.ToLower(strings.TrimSpace(site))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// SameDomain reports whether email belongs to site's host or one of its subdomains.
func SameDomain(email, site string) bool {
	dom, host := Domain(email), Host(site)
	if dom == "" || host == "" {
		return false
	}
	return dom == host || strings.HasSuffix(dom, "."+host)
}

// PickPreferred returns the best generic inbox from candidates, falling back to the lexically
// first address. It returns "" for an empty list.
func PickPreferred(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	sorted := slices.Clone(candidates)
	slices.Sort(sorted)
	for _, lp := range preferredLocalParts {
		for _, e := range sorted {
			if local, _, _ := strings.Cut(e, "@"); local == lp {
				return e
			}
		}
	}
	return sorted[0]
}

// Rank scores email in [0, 100] against the expected site domain and returns the reasons that
// contributed, comma-separated ("generic" when none did).
func Rank(email, expectedDomain string) (int, string) {
	e := strings.ToLower(strings.TrimSpace(email))
	dom := Domain(e)
	local, _, _ := strings.Cut(e, "@")

	score := 50
	var reasons []string
	if freeProviders[dom] {
		score -= 35
		reasons = append(reasons, "free_provider")
	}
	if exp := Host(expectedDomain); exp != "" {
		switch {
		case dom == exp:
			score += 35
			reasons = append(reasons, "domain_match")
		case strings.HasSuffix(dom, "."+exp):
			score += 20
			reasons = append(reasons, "subdomain_match")
		default:
			score -= 10
			reasons = append(reasons, "domain_mismatch")
		}
	}
	if i := slices.Index(rankedLocalParts, local); i >= 0 {
		score += max(0, 25-i*3)
		reasons = append(reasons, "lp="+local)
	}

	score = min(100, max(0, score))
	if len(reasons) == 0 {
		return score, "generic"
	}
	return score, strings.Join(reasons, ",")
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid email")

// Validator checks an address before it is accepted as a contact. Implementations may perform
// network checks (MX lookups, SMTP handshakes); they must honor ctx.
type Validator interface {
	Validate(ctx context.Context, email string) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, email string) error

func (f ValidatorFunc) Validate(ctx context.Context, email string) error {
	return f(ctx, email)
}

// SyntaxValidator accepts bare addr-spec addresses with a dotted domain and an alphabetic TLD.
type SyntaxValidator struct{}

func (SyntaxValidator) Validate(_ context.Context, email string) error {
	e := strings.TrimSpace(email)
	if e == "" || len(e) > 254 {
		return fmt.Errorf("%w: bad length", ErrInvalid)
	}
	addr, err := mail.ParseAddress(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if addr.Name != "" || addr.Address != e {
		return fmt.Errorf("%w: not a bare address", ErrInvalid)
	}
	local, dom, _ := strings.Cut(e, "@")
	if local == "" || len(local) > 64 {
		return fmt.Errorf("%w: bad local part", ErrInvalid)
	}
	labels := strings.Split(dom, ".")
	if len(labels) < 2 {
		return fmt.Errorf("%w: domain %q has no dot", ErrInvalid, dom)
	}
	for _, l := range labels {
		if l == "" || strings.HasPrefix(l, "-") || strings.HasSuffix(l, "-") {
			return fmt.Errorf("%w: bad domain label in %q", ErrInvalid, dom)
		}
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 || strings.IndexFunc(tld, func(r rune) bool { return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') }) >= 0 {
		return fmt.Errorf("%w: bad top-level domain %q", ErrInvalid, tld)
	}
	return nil
}
