package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voxlingo/voxlingo/pkg/convo"
	"github.com/voxlingo/voxlingo/pkg/gateway/apierror"
)

func writeErrorJSON(w http.ResponseWriter, reqID string, convoErr *convo.Error, status int) {
	if convoErr != nil && convoErr.RequestID == "" {
		convoErr.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: convoErr})
}

// writeErr maps any error through the canonical converter and writes it.
func writeErr(w http.ResponseWriter, reqID string, err error) {
	convoErr, status := apierror.FromError(err, reqID)
	writeErrorJSON(w, reqID, convoErr, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
