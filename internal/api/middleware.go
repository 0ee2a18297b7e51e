package api

import (
	"fmt"
	"net/http"

	"github.com/npezzotti/crm-gateway/internal/stats"
)

// recoverPanics turns a panic in any route into a 500 ApiError and closes
// the client connection. Panics are counted in HTTPPanicsRecovered.
func (s *GatewayApp) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}

			s.stats.Incr(stats.HTTPPanicsRecovered)
			s.log.Printf("panic serving %s %s from %s: %v", r.Method, r.URL.Path, r.RemoteAddr, err)

			errResp := NewInternalServerError(err)
			w.Header().Set("Connection", "close")
			s.writeJson(w, errResp.StatusCode, errResp)
		}()

		next.ServeHTTP(w, r)
	})
}
