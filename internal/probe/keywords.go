package probe

import "strings"

// Multilingual vocabularies used by the classification pipeline. Matching is
// always case-insensitive substring matching over markup or visible text.

// registrationMarkers indicate a page is (or contains) a registration form.
var registrationMarkers = []string{
	"password",
	"e-mail",
	"email",
	"username",
	"contraseña",
	"passwort",
	"mot de passe",
	"пароль",
	"密码",
	"パスワード",
	"비밀번호",
}

// registerLinkWords match visible link text leading to a registration page.
var registerLinkWords = []string{
	"register",
	"sign up",
	"signup",
	"join",
	"create account",
	"create an account",
	"registrieren",
	"inscription",
	"s'inscrire",
	"registrarse",
	"регистрация",
	"注册",
	"会員登録",
	"가입",
}

// successWords appear on post-submit pages after a completed registration.
var successWords = []string{
	"welcome",
	"success",
	"successfully",
	"thank you for registering",
	"activate",
	"activation",
	"confirmation email",
	"check your email",
	"willkommen",
	"bienvenue",
	"bienvenido",
	"добро пожаловать",
	"欢迎",
	"ようこそ",
	"환영",
}

// closedPhrases are explicit statements that registration is shut. They are
// trusted only when no form or invite evidence exists elsewhere on the page.
var closedPhrases = []string{
	"registration is closed",
	"registrations are closed",
	"registration is currently closed",
	"registration has been disabled",
	"registration disabled",
	"not accepting new registrations",
	"new registrations are currently not being accepted",
	"creating a new account is currently not possible",
	"регистрация закрыта",
	"注册已关闭",
	"登録は締め切られました",
}

// inviteWords match input names, ids, placeholders and label text of
// invitation-gated forms.
var inviteWords = []string{
	"invite",
	"invitation",
	"referral",
	"invite_code",
	"invite-code",
	"invitecode",
	"referral_code",
	"referral-code",
	"access_code",
	"access-code",
	"邀请码",
	"招待コード",
}

// challengeMarkers appear in anti-bot interstitial titles and markup.
var challengeMarkers = []string{
	"just a moment",
	"checking your browser",
	"attention required",
	"verify you are human",
	"verifying you are human",
	"cf-challenge",
	"cf_chl_",
	"ddos-guard",
	"один момент",
}

// softwareHintWords are scanned over robots.txt bodies for passive hints.
var softwareHintWords = []string{
	"discourse",
	"phpbb",
	"xenforo",
	"vbulletin",
	"mybb",
	"smf",
	"flarum",
	"nodebb",
	"vanilla",
	"invision",
	"wordpress",
	"wp-admin",
}

func containsAny(haystack string, words []string) bool {
	return matchAny(haystack, words) != ""
}

// matchAny returns the first word found in haystack, or "".
func matchAny(haystack string, words []string) string {
	lower := strings.ToLower(haystack)
	for _, w := range words {
		if strings.Contains(lower, strings.ToLower(w)) {
			return w
		}
	}
	return ""
}

// isRegistrationPage reports whether markup carries registration keywords.
func isRegistrationPage(markup string) bool {
	return containsAny(markup, registrationMarkers)
}
