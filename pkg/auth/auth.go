// Package auth provides the two authentication header producers the BLIP
// handshake accepts: HTTP Basic and a sync-gateway session cookie.
package auth

import (
	"encoding/base64"
	"net/http"
)

// Header is the collaborator the replicator uses to decorate the WebSocket
// handshake request with credentials; the headers it returns are passed to
// blip.Dial.
type Header interface {
	Headers() http.Header
}

// Basic authenticates with a username/password pair via the standard HTTP
// Basic scheme.
type Basic struct {
	Username string
	Password string
}

func (b Basic) Headers() http.Header {
	h := make(http.Header)
	creds := base64.StdEncoding.EncodeToString([]byte(b.Username + ":" + b.Password))
	h.Set("Authorization", "Basic "+creds)
	return h
}

// Session authenticates with a pre-established Sync Gateway session id,
// sent as a cookie rather than an Authorization header.
type Session struct {
	ID string
}

func (s Session) Headers() http.Header {
	h := make(http.Header)
	h.Set("Cookie", "SyncGatewaySession="+s.ID)
	return h
}
