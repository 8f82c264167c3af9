package auth

import (
	"net/http"
	"regexp"
	"strings"
)

// Mode selects where a token is looked for during the handshake.
type Mode string

const (
	// ModeQuery reads only the "token" query parameter.
	ModeQuery Mode = "query"
	// ModeHeader reads only the Authorization bearer header.
	ModeHeader Mode = "header"
	// ModeAuto tries header, then a JWT-shaped subprotocol value, then
	// the session cookie, then the query parameter.
	ModeAuto Mode = "auto"
)

const bearerPrefix = "Bearer "

// jwtShaped matches three dot-separated base64url segments. Browser
// clients that cannot set headers smuggle the token through the
// Sec-WebSocket-Protocol header, so we only treat values that actually
// look like a JWT as tokens.
var jwtShaped = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)

// ExtractToken pulls a bearer token out of the upgrade request
// according to mode. Empty string means no token was offered.
func ExtractToken(r *http.Request, mode Mode) string {
	switch mode {
	case ModeQuery:
		return r.URL.Query().Get("token")
	case ModeHeader:
		return tokenFromHeader(r)
	default: // ModeAuto
		if t := tokenFromHeader(r); t != "" {
			return t
		}
		if t := tokenFromSubprotocol(r); t != "" {
			return t
		}
		if t := tokenFromCookie(r); t != "" {
			return t
		}
		return r.URL.Query().Get("token")
	}
}

// SubprotocolToken returns the JWT-shaped subprotocol offer, if any.
// The transport must echo this value back during the handshake when it
// was used for authentication.
func SubprotocolToken(r *http.Request) string {
	return tokenFromSubprotocol(r)
}

func tokenFromHeader(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimPrefix(h, bearerPrefix)
	}
	return ""
}

func tokenFromSubprotocol(r *http.Request) string {
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, candidate := range strings.Split(header, ",") {
			candidate = strings.TrimSpace(candidate)
			if jwtShaped.MatchString(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func tokenFromCookie(r *http.Request) string {
	cookie, err := r.Cookie("session")
	if err != nil {
		return ""
	}
	return cookie.Value
}
