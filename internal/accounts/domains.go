package accounts

import "strings"

// webmailProviders are free-mail domains that are not single companies, so
// the per-recipient-domain throttle is much looser for them.
var webmailProviders = map[string]bool{
	"gmail.com": true, "googlemail.com": true,
	"outlook.com": true, "hotmail.com": true, "live.com": true, "msn.com": true,
	"yahoo.com": true, "ymail.com": true, "rocketmail.com": true,
	"aol.com": true, "aim.com": true,
	"icloud.com": true, "me.com": true, "mac.com": true,
	"protonmail.com": true, "proton.me": true,
	"zoho.com": true, "zohomail.com": true,
	"fastmail.com": true,
	"mail.com": true, "email.com": true,
	"gmx.com": true, "gmx.net": true,
	"yandex.com": true, "yandex.ru": true,
	"tutanota.com": true, "tuta.io": true,
}

// ExtractDomain returns the lowercased domain part of an email address, or
// "" when the address has no domain.
func ExtractDomain(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}

// IsWebmail reports whether the domain is a free-mail provider.
func IsWebmail(domain string) bool {
	return webmailProviders[strings.ToLower(domain)]
}

// DomainDailyLimit returns the per-day send limit for a recipient domain.
// Company domains get the base limit; webmail providers get the multiplied
// one.
func DomainDailyLimit(domain string, base, webmailMultiplier int) int {
	if base <= 0 {
		base = 5
	}
	if webmailMultiplier <= 0 {
		webmailMultiplier = 10
	}
	if IsWebmail(domain) {
		return base * webmailMultiplier
	}
	return base
}
