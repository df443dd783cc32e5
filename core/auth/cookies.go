package auth

import (
	"net/http"
	"time"
)

// Cookies writes and clears the two session cookies.
type Cookies struct {
	AccessName  string
	RefreshName string
	Secure      bool
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
}

func (c Cookies) SetAccess(w http.ResponseWriter, token string) {
	http.SetCookie(w, c.cookie(c.AccessName, token, c.AccessTTL))
}

func (c Cookies) SetRefresh(w http.ResponseWriter, token string) {
	http.SetCookie(w, c.cookie(c.RefreshName, token, c.RefreshTTL))
}

// Clear expires both cookies on the client.
func (c Cookies) Clear(w http.ResponseWriter) {
	for _, name := range []string{c.AccessName, c.RefreshName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			HttpOnly: true,
			Secure:   c.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (c Cookies) cookie(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
