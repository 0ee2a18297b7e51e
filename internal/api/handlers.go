package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/crm-gateway/internal/bus"
	"github.com/npezzotti/crm-gateway/internal/stats"
)

const maxEnvelopeSize = 1 << 20

func (s *GatewayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GatewayApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.log.Printf("health check: %v", err)
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *GatewayApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs authenticates the handshake before upgrading, so a rejected
// client gets a plain 401 it can act on.
func (s *GatewayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	identity, err := s.gw.Authenticate(r.Context(), tokenFromRequest(r))
	if err != nil {
		s.log.Printf("handshake from %s rejected: %v", r.RemoteAddr, err)
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if _, err := s.gw.Connect(identity, conn); err != nil {
		s.log.Printf("connect user %s: %v", identity.Id, err)
		conn.Close()
	}
}

// publishEvent lets backend producers without a bus client of their own
// announce an event.
func (s *GatewayApp) publishEvent(w http.ResponseWriter, r *http.Request) {
	var env bus.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnvelopeSize)).Decode(&env); err != nil {
		errResp := NewBadRequestError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.pub.Publish(r.Context(), env); err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, bus.ErrBusUnavailable):
			errResp = NewServiceUnavailableError(err)
		case errors.Is(err, bus.ErrUnknownType), errors.Is(err, bus.ErrMalformedEnvelope):
			errResp = NewBadRequestError(err)
		default:
			errResp = NewInternalServerError(err)
		}
		s.log.Printf("publish %q: %v", env.Type, err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.stats.Incr(stats.InternalEventsAccepted)
	s.writeJson(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
