// Package fingerprint identifies forum/site software from page markup.
package fingerprint

import "strings"

// Signature describes one recognizable software package: ordered content
// markers and the registration paths that software is known to serve.
type Signature struct {
	Name              string
	Markers           []string
	RegistrationPaths []string
}

// Registry is a static, ordered signature table. Order encodes priority;
// detection is first-signature/first-marker-match with no scoring.
type Registry struct {
	signatures    []Signature
	fallbackPaths []string
}

// NewRegistry builds the built-in signature table.
func NewRegistry() *Registry {
	return &Registry{
		signatures:    builtinSignatures,
		fallbackPaths: commonRegistrationPaths,
	}
}

// Detect matches markup against the ordered table. The first signature with
// any matching marker wins.
func (r *Registry) Detect(markup string) (Signature, bool) {
	lower := strings.ToLower(markup)
	for _, sig := range r.signatures {
		for _, marker := range sig.Markers {
			if strings.Contains(lower, strings.ToLower(marker)) {
				return sig, true
			}
		}
	}
	return Signature{}, false
}

// FallbackPaths returns up to limit software-agnostic registration paths for
// pages no signature matched.
func (r *Registry) FallbackPaths(limit int) []string {
	if limit <= 0 || limit > len(r.fallbackPaths) {
		limit = len(r.fallbackPaths)
	}
	out := make([]string, limit)
	copy(out, r.fallbackPaths[:limit])
	return out
}

// builtinSignatures is ordered most-specific first: software with generic
// markers (WordPress) sits at the bottom so it cannot shadow forum engines
// that embed it.
var builtinSignatures = []Signature{
	{
		Name:              "discourse",
		Markers:           []string{"discourse-cdn", "discourse_theme_id", `content="Discourse`},
		RegistrationPaths: []string{"/signup", "/u/create-account"},
	},
	{
		Name:              "flarum",
		Markers:           []string{"flarum", "data-flarum"},
		RegistrationPaths: []string{"/register", "/signup"},
	},
	{
		Name:              "nodebb",
		Markers:           []string{"nodebb", "config/nodebb"},
		RegistrationPaths: []string{"/register", "/register/complete"},
	},
	{
		Name:              "xenforo",
		Markers:           []string{"xenforo", "xf-init", "data-xf-"},
		RegistrationPaths: []string{"/register/", "/register/register"},
	},
	{
		Name:              "phpbb",
		Markers:           []string{"phpbb", "viewtopic.php", "ucp.php"},
		RegistrationPaths: []string{"/ucp.php?mode=register", "/ucp.php?mode=register&agreed=true"},
	},
	{
		Name:              "vbulletin",
		Markers:           []string{"vbulletin", "vb_meta_bburl"},
		RegistrationPaths: []string{"/register.php", "/auth/register"},
	},
	{
		Name:              "mybb",
		Markers:           []string{"mybb", "member.php?action="},
		RegistrationPaths: []string{"/member.php?action=register"},
	},
	{
		Name:              "smf",
		Markers:           []string{"simple machines", "smf_scripturl"},
		RegistrationPaths: []string{"/index.php?action=signup", "/index.php?action=register"},
	},
	{
		Name:              "vanilla",
		Markers:           []string{"vanilla forums", "vanilla-embed"},
		RegistrationPaths: []string{"/entry/register"},
	},
	{
		Name:              "invision",
		Markers:           []string{"invision community", "ips_theme", "ipscontent"},
		RegistrationPaths: []string{"/register/", "/index.php?app=core&module=global&section=register"},
	},
	{
		Name:              "wordpress",
		Markers:           []string{"wp-content", "wp-includes"},
		RegistrationPaths: []string{"/wp-login.php?action=register", "/register"},
	},
}

// commonRegistrationPaths is the shared fallback list for unmatched pages,
// ordered by how often the paths occur in the wild.
var commonRegistrationPaths = []string{
	"/register",
	"/signup",
	"/sign_up",
	"/join",
	"/account/register",
	"/user/register",
	"/users/sign_up",
	"/registration",
	"/create-account",
	"/member/register",
}
