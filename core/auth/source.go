package auth

import (
	"net/http"
	"strings"
)

// TokenSource yields a named token from wherever the request carries it.
type TokenSource interface {
	Token(name string) (string, bool)
}

// CookieSource reads tokens from request cookies.
type CookieSource struct {
	Request *http.Request
}

func (s CookieSource) Token(name string) (string, bool) {
	if s.Request == nil {
		return "", false
	}
	c, err := s.Request.Cookie(name)
	if err != nil {
		return "", false
	}
	val := strings.TrimSpace(c.Value)
	return val, val != ""
}

// MapSource reads tokens from a plain map, e.g. a decoded login body.
type MapSource map[string]string

func (s MapSource) Token(name string) (string, bool) {
	val := strings.TrimSpace(s[name])
	return val, val != ""
}
