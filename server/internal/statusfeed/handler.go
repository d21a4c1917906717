package statusfeed

import (
	"net/http"

	"go.uber.org/zap"
)

// Handler returns an http.Handler that upgrades each request to the status
// feed, runs it, and blocks until that connection closes.
func Handler(hub *Hub, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := Upgrade(hub, w, r, log)
		if err != nil {
			log.Warn("statusfeed: upgrade failed", zap.Error(err))
			return
		}
		client.Run()
	})
}
