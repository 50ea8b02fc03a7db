package probe

import (
	"regexp"

	"github.com/forumsentry/forumsentry/internal/monitor"
)

// Invitation codes travel either as URL query parameters or as prose on the
// page. Both conventions are scanned with fixed patterns; identical codes
// are kept once regardless of where they were seen first.

var urlCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)[?&](?:invite|invitation|invite_code|referral|referral_code|ref)=([A-Za-z0-9_-]{4,64})`),
}

var pageCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:invite|invitation|referral|access)\s*code\s*[:=]?\s*([A-Za-z0-9_-]{4,64})`),
	regexp.MustCompile(`(?i)use\s+code\s+([A-Za-z0-9_-]{4,64})`),
	regexp.MustCompile(`(?i)邀请码\s*[:：]?\s*([A-Za-z0-9_-]{4,64})`),
}

// ExtractInvitationCodes scans the current URL and page markup for invite
// codes and deduplicates them by value. URL hits win over page hits for the
// source tag.
func ExtractInvitationCodes(currentURL, markup string) []monitor.InvitationCode {
	seen := make(map[string]struct{})
	var out []monitor.InvitationCode

	add := func(code string, source monitor.CodeSource) {
		if code == "" {
			return
		}
		if _, ok := seen[code]; ok {
			return
		}
		seen[code] = struct{}{}
		out = append(out, monitor.InvitationCode{Code: code, Source: source})
	}

	for _, re := range urlCodePatterns {
		for _, m := range re.FindAllStringSubmatch(currentURL, -1) {
			add(m[1], monitor.CodeSourceURL)
		}
	}
	for _, re := range pageCodePatterns {
		for _, m := range re.FindAllStringSubmatch(markup, -1) {
			add(m[1], monitor.CodeSourcePage)
		}
	}
	return out
}
