package api

import (
	"encoding/json"
	"net/http"

	"github.com/vmlab/lmunit/internal/logging"
)

// Element types of the response envelope. Every payload the API returns is a
// list of elements; is_last tells the client whether to keep polling.
const (
	typeRequestID      = "request_id"
	typeReturnValue    = "return_value"
	typeRetryUntilLast = "retry_until_last"
	typeException      = "exception"
)

type element struct {
	Type        string `json:"type"`
	IsLast      bool   `json:"is_last"`
	RequestID   string `json:"request_id,omitempty"`
	ReturnValue any    `json:"return_value,omitempty"`
	Exception   string `json:"exception,omitempty"`
}

type envelope struct {
	Responses []element `json:"responses"`
}

func requestIDElement(ref string) element {
	return element{Type: typeRequestID, IsLast: true, RequestID: ref}
}

func returnElement(v any, isLast bool) element {
	t := typeReturnValue
	if !isLast {
		t = typeRetryUntilLast
	}
	return element{Type: t, IsLast: isLast, ReturnValue: v}
}

func exceptionElement(msg string) element {
	return element{Type: typeException, IsLast: true, Exception: msg}
}

func writeElements(w http.ResponseWriter, status int, elems ...element) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Responses: elems}); err != nil {
		logging.Op().Error("encode response", "error", err)
	}
}

func writeOK(w http.ResponseWriter, elems ...element) {
	writeElements(w, http.StatusOK, elems...)
}

func writeException(w http.ResponseWriter, status int, msg string) {
	writeElements(w, status, exceptionElement(msg))
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
