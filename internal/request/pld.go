package request

import (
	"net/url"

	"golang.org/x/net/publicsuffix"
)

// pld computes the domain-bucket key for u. Disabled by default (plain
// hostname); a scheduler configured with AliasPLD true passes alias=true
// so sibling subdomains share one bucket and one readiness clock.
func pld(u *url.URL, alias bool) string {
	host := u.Hostname()
	if !alias {
		return host
	}
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld1
	}
	return host
}

// PLD is the package-level form of Request.PLD, usable on a bare
// *url.URL; the scheduler calls it with req.URL.
func PLD(u *url.URL, alias bool) string {
	return pld(u, alias)
}
