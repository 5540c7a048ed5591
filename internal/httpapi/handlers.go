package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"msgate/internal/errkind"
	"msgate/internal/outbound"
	"msgate/internal/transport"
	"msgate/pkg/logx"
)

const maxBody = 64 << 10

type handlers struct {
	d   Deps
	log logx.Logger
}

type errorResp struct {
	Error   string       `json:"error"`
	Kind    errkind.Kind `json:"kind,omitempty"`
	Message string       `json:"message,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(k errkind.Kind) int {
	switch k {
	case errkind.KindInvalidRecipient:
		return http.StatusBadRequest
	case errkind.KindTemplateNotFound:
		return http.StatusNotFound
	case errkind.KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	case errkind.KindDispatchFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// send handles POST /v1/messages. 200 means dispatched, 202 queued.
func (h *handlers) send(w http.ResponseWriter, r *http.Request) {
	var req outbound.SendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid request body", Message: err.Error()})
		return
	}

	res, err := h.d.Gateway.Send(r.Context(), req)
	if err != nil {
		if errors.Is(err, outbound.ErrEmptyBody) {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: "body or template is required"})
			return
		}
		kind := errkind.Of(err)
		if kind == errkind.KindNone {
			h.log.Error("send failed", logx.Err(err))
		}
		writeJSON(w, statusFor(kind), errorResp{Error: string(kind), Kind: kind, Message: err.Error()})
		return
	}
	code := http.StatusOK
	if res.Queued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Gateway.Status())
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if h.d.Logout == nil {
		writeJSON(w, http.StatusNotImplemented, errorResp{Error: "logout unavailable"})
		return
	}
	if err := h.d.Logout(r.Context()); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			writeJSON(w, http.StatusConflict, errorResp{Error: "not connected"})
			return
		}
		writeJSON(w, http.StatusBadGateway, errorResp{Error: "logout failed", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready checks backing services only; a disconnected session is still ready
// because sends are queued.
func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	if h.d.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.d.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "not ready", Message: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
