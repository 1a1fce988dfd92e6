package session

import "strings"

// ExtractSessionID returns the base id carried by a session token of the form
// NAME=<id>[.<suffix>][;<attributes>]. An empty result means no session.
func ExtractSessionID(name, token string) string {
	id, _ := splitToken(name, token)
	return id
}

func splitToken(name, token string) (id, suffix string) {
	token = strings.TrimSpace(token)
	if i := strings.IndexByte(token, ';'); i >= 0 {
		token = token[:i]
	}
	if name != "" {
		token = strings.TrimPrefix(token, name+"=")
	}
	token = strings.TrimSpace(token)
	if i := strings.IndexByte(token, '.'); i >= 0 {
		token, suffix = token[:i], token[i+1:]
	}
	if token == "" {
		return "", ""
	}
	return token, suffix
}
