package probe

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageForm is the result of analyzing a page's form surface. Selectors are
// empty when the corresponding field was not found.
type PageForm struct {
	PasswordSelector string
	ConfirmSelector  string
	EmailSelector    string
	UsernameSelector string
	SubmitSelector   string

	PasswordCount int
	EmailCount    int
	TextAreaCount int

	HasInviteField bool
	CaptchaPresent bool

	// LargestFormHTML is the markup of the biggest form on the page, used
	// as the fragment handed to the AI planner.
	LargestFormHTML string
}

// HeuristicEligible reports whether the simple fill path applies: at least
// one password field, at least one email-like field, and no free-text
// question fields.
func (f *PageForm) HeuristicEligible() bool {
	return f.PasswordCount >= 1 && f.EmailCount >= 1 && f.TextAreaCount == 0
}

// HasCredentialInputs reports whether the page shows either a password-type
// or an email-type input.
func (f *PageForm) HasCredentialInputs() bool {
	return f.PasswordCount > 0 || f.EmailCount > 0
}

var confirmWords = []string{"confirm", "verify", "again", "repeat", "retype"}

var usernameWords = []string{"username", "user_name", "user", "login", "nick", "handle", "display_name", "displayname"}

var captchaFrameMarkers = []string{"recaptcha", "hcaptcha", "turnstile", "captcha"}

// AnalyzePage inspects markup and classifies its registration-form shape.
func AnalyzePage(markup string) (*PageForm, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}

	form := &PageForm{}

	doc.Find("input").Each(func(_ int, sel *goquery.Selection) {
		typ, _ := sel.Attr("type")
		typ = strings.ToLower(typ)
		blob := attrBlob(sel)

		switch {
		case typ == "password":
			form.PasswordCount++
			if containsAny(blob, confirmWords) && form.ConfirmSelector == "" {
				form.ConfirmSelector = selectorFor(sel)
			} else if form.PasswordSelector == "" {
				form.PasswordSelector = selectorFor(sel)
			} else if form.ConfirmSelector == "" {
				// A second plain password field is a confirmation field.
				form.ConfirmSelector = selectorFor(sel)
			}
		case typ == "email" || strings.Contains(blob, "mail"):
			form.EmailCount++
			if form.EmailSelector == "" {
				form.EmailSelector = selectorFor(sel)
			}
		case typ == "hidden" || typ == "submit" || typ == "checkbox" || typ == "radio":
			// Not fillable identity fields.
		case containsAny(blob, usernameWords):
			if form.UsernameSelector == "" {
				form.UsernameSelector = selectorFor(sel)
			}
		}

		if containsAny(blob, inviteWords) {
			form.HasInviteField = true
		}
	})

	form.TextAreaCount = doc.Find("textarea").Length()

	doc.Find("label").Each(func(_ int, sel *goquery.Selection) {
		if containsAny(sel.Text(), inviteWords) {
			form.HasInviteField = true
		}
	})

	doc.Find("iframe").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		if containsAny(src, captchaFrameMarkers) {
			form.CaptchaPresent = true
		}
	})
	if doc.Find(".g-recaptcha, .h-captcha, .cf-turnstile").Length() > 0 {
		form.CaptchaPresent = true
	}

	for _, submitSel := range []string{"button[type=submit]", "input[type=submit]", "form button"} {
		if doc.Find(submitSel).Length() > 0 {
			form.SubmitSelector = submitSel
			break
		}
	}

	largest := 0
	doc.Find("form").Each(func(_ int, sel *goquery.Selection) {
		html, err := goquery.OuterHtml(sel)
		if err != nil {
			return
		}
		if len(html) > largest {
			largest = len(html)
			form.LargestFormHTML = html
		}
	})

	return form, nil
}

// FindRegisterLink scans visible links for registration vocabulary and
// returns the href of the first match in document order.
func FindRegisterLink(markup string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", false
	}
	href := ""
	doc.Find("a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if text == "" || !containsAny(text, registerLinkWords) {
			return true
		}
		link, ok := sel.Attr("href")
		if !ok || link == "" || strings.HasPrefix(link, "javascript:") {
			return true
		}
		href = link
		return false
	})
	return href, href != ""
}

// attrBlob flattens the identifying attributes of an element for keyword
// matching.
func attrBlob(sel *goquery.Selection) string {
	parts := make([]string, 0, 5)
	for _, attr := range []string{"id", "name", "placeholder", "class", "aria-label"} {
		if v, ok := sel.Attr(attr); ok {
			parts = append(parts, v)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// selectorFor derives a CSS selector for an element, preferring id, then
// name, then the bare type selector.
func selectorFor(sel *goquery.Selection) string {
	tag := goquery.NodeName(sel)
	if id, ok := sel.Attr("id"); ok && id != "" {
		return "#" + id
	}
	if name, ok := sel.Attr("name"); ok && name != "" {
		return fmt.Sprintf(`%s[name="%s"]`, tag, name)
	}
	if typ, ok := sel.Attr("type"); ok && typ != "" {
		return fmt.Sprintf(`%s[type="%s"]`, tag, typ)
	}
	return tag
}
