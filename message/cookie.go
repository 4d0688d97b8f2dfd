package message

import (
	"net/http"
	"strings"
	"time"
)

// SameSite is the same-site policy of a cookie.
type SameSite int

const (
	SameSiteUnset SameSite = iota
	SameSiteLax
	SameSiteStrict
	SameSiteNone
)

// String renders the attribute value; an unset policy renders as "".
func (s SameSite) String() string {
	switch s {
	case SameSiteLax:
		return "Lax"
	case SameSiteStrict:
		return "Strict"
	case SameSiteNone:
		return "None"
	default:
		return ""
	}
}

// Cookie is a structured Set-Cookie value. Expires is in epoch seconds,
// 0 meaning a session cookie.
type Cookie struct {
	Name     string
	Value    string
	Expires  int64
	Path     string
	Domain   string
	Secure   bool
	HTTPOnly bool
	SameSite SameSite
}

// SetCookieHeader is the header name carrying cookies on a response.
const SetCookieHeader = "Set-Cookie"

// IsSetCookie reports whether name is the Set-Cookie header, in any case.
func IsSetCookie(name string) bool {
	return strings.EqualFold(name, SetCookieHeader)
}

// ParseSetCookie parses one Set-Cookie header value.
func ParseSetCookie(line string) (Cookie, error) {
	return ParseSetCookieAt(line, time.Now())
}

// ParseSetCookieAt parses line, resolving Max-Age against now. Max-Age wins
// over Expires; a zero or negative Max-Age expires the cookie at the epoch.
func ParseSetCookieAt(line string, now time.Time) (Cookie, error) {
	hc, err := http.ParseSetCookie(line)
	if err != nil {
		return Cookie{}, err
	}

	c := Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Path:     hc.Path,
		Domain:   hc.Domain,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}
	switch {
	case hc.MaxAge > 0:
		c.Expires = now.Add(time.Duration(hc.MaxAge) * time.Second).Unix()
	case hc.MaxAge < 0:
		c.Expires = 1
	case !hc.Expires.IsZero():
		c.Expires = hc.Expires.Unix()
	}
	switch hc.SameSite {
	case http.SameSiteLaxMode:
		c.SameSite = SameSiteLax
	case http.SameSiteStrictMode:
		c.SameSite = SameSiteStrict
	case http.SameSiteNoneMode:
		c.SameSite = SameSiteNone
	}
	return c, nil
}
