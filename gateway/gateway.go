// Package gateway is the stateless HTTP front end of the issuance engine.
// It parses certificate requests from JSON, obtains decisions through a
// pooled engine client, and renders certificate identifiers. All inventory
// authority stays with the engine: the gateway only validates shape.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/scripworks/scrip/pool"
	"github.com/scripworks/scrip/wire"
)

// certificateRequest is the client-facing JSON request shape.
type certificateRequest struct {
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
	Class  string `json:"class"`
}

// certificate is the client-facing JSON response of a successful grant.
type certificate struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Amount  int64  `json:"amount"`
	Class   string `json:"class"`
	Company string `json:"company,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handler serves certificate issuance over HTTP.
type Handler struct {
	client  *pool.Client
	company string
}

// NewHandler returns a Handler granting through |client|. A non-empty
// |company| is echoed on issued certificates.
func NewHandler(client *pool.Client, company string) *Handler {
	return &Handler{client: client, company: company}
}

// ServeHTTP accepts POSTed certificate requests on any path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.reject(w, r, http.StatusMethodNotAllowed, "MALFORMED", "only POST is supported")
		return
	}

	var req certificateRequest
	var dec = json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.reject(w, r, http.StatusBadRequest, "MALFORMED", err.Error())
		return
	}

	// Shape validation local to the adapter: these never reach the engine.
	if req.Amount <= 0 || req.Amount > math.MaxUint32 {
		h.reject(w, r, http.StatusBadRequest, "INVALID_AMOUNT",
			fmt.Sprintf("amount %d must be an integer >= 1", req.Amount))
		return
	}
	if req.Class == "" || len(req.Class) > wire.MaxClassLen {
		h.reject(w, r, http.StatusBadRequest, "UNKNOWN_CLASS",
			fmt.Sprintf("class %q is not a share class tag", req.Class))
		return
	}
	if strings.ContainsAny(req.Name, "\n\r") || len(req.Name) >= wire.MaxHolderLen {
		h.reject(w, r, http.StatusBadRequest, "MALFORMED", "holder name is not a printable line")
		return
	}

	var cert, err = h.client.Grant(r.Context(), req.Class, req.Name, uint32(req.Amount))
	if err != nil {
		var status, reason = mapGrantError(err)
		h.reject(w, r, status, reason, err.Error())
		return
	}

	requestsTotal.WithLabelValues("200", "OK").Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(certificate{
		ID:      fmt.Sprintf("%s-%d", req.Class, cert),
		Name:    req.Name,
		Amount:  req.Amount,
		Class:   req.Class,
		Company: h.company,
	})
}

// mapGrantError maps engine and pool errors onto the HTTP surface.
func mapGrantError(err error) (int, string) {
	switch {
	case errors.Is(err, wire.ErrInsufficientShares):
		return http.StatusForbidden, "INSUFFICIENT_SHARES"
	case errors.Is(err, wire.ErrUnknownClass):
		return http.StatusBadRequest, "UNKNOWN_CLASS"
	case errors.Is(err, wire.ErrInvalidAmount):
		return http.StatusBadRequest, "INVALID_AMOUNT"
	case errors.Is(err, wire.ErrMalformed):
		return http.StatusBadRequest, "MALFORMED"
	case errors.Is(err, pool.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, status int, reason, message string) {
	if status >= 500 {
		log.WithFields(log.Fields{
			"client": r.RemoteAddr,
			"reason": reason,
			"err":    message,
		}).Warn("certificate request failed")
	}
	requestsTotal.WithLabelValues(fmt.Sprint(status), reason).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: reason, Message: message})
}
