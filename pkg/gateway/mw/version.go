package mw

import (
	"net/http"
	"strings"

	"github.com/voxlingo/voxlingo/pkg/convo"
)

const (
	apiVersionHeader    = "X-Vox-Version"
	supportedAPIVersion = "1"
)

// APIVersion rejects /v1 requests that pin an unsupported protocol version.
// A missing header means "current". Preflights and websocket upgrades are
// exempt; the upgrade handshake negotiates its own protocol.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !versionedPath(r.URL.Path) || r.Method == http.MethodOptions || isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		for _, value := range r.Header.Values(apiVersionHeader) {
			for _, version := range strings.Split(value, ",") {
				version = strings.TrimSpace(version)
				if version == "" || version == supportedAPIVersion {
					continue
				}
				reqID, _ := RequestIDFrom(r.Context())
				writeJSONError(w, http.StatusBadRequest, &convo.Error{
					Type:      convo.ErrInvalidRequest,
					Message:   "unsupported API version",
					Param:     apiVersionHeader,
					Code:      "unsupported_version",
					RequestID: reqID,
				})
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func versionedPath(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}

func isWebSocketUpgrade(r *http.Request) bool {
	connection := false
	for _, value := range r.Header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				connection = true
			}
		}
	}
	if !connection {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}
