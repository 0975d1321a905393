package kdns

import (
	"context"
	"expvar"
	"net/http"

	"github.com/sirupsen/logrus"
)

// AdminListener serves the expvar counters published by vars.go over plain
// HTTP. Grounded on the teacher's adminlistener.go, with the QUIC/HTTP3
// transport variant dropped — this server has no DoQ listener to share a
// certificate/ALPN setup with, so the admin endpoint here is plain HTTP
// only (see DESIGN.md).
//
// It runs on its own goroutine, outside the single-threaded event loop:
// unlike the DNS listeners it never touches the cache or authority table,
// so it carries none of the cooperative-scheduling constraints spec.md §5
// places on event-loop handlers.
type AdminListener struct {
	server *http.Server
}

// NewAdminListener builds (but does not start) an admin listener bound to addr.
func NewAdminListener(addr string) *AdminListener {
	mux := http.NewServeMux()
	mux.Handle("/vars", expvar.Handler())
	return &AdminListener{server: &http.Server{Addr: addr, Handler: mux}}
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (l *AdminListener) Start() error {
	Log.WithFields(logrus.Fields{"addr": l.server.Addr}).Info("starting admin listener")
	err := l.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the admin listener down.
func (l *AdminListener) Stop(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

func (l *AdminListener) String() string {
	return "admin:" + l.server.Addr
}
