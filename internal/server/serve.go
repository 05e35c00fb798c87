package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"
)

// ShutdownTimeout bounds the graceful drain once the serve context ends.
var ShutdownTimeout = 10 * time.Second

// Serve runs srv on ln until ctx is done and then shuts it down, waiting up
// to ShutdownTimeout for in-flight requests. A failed shutdown is logged and
// returned.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		log.Printf("serve err=%v", serveErr)
	}
	if err != nil {
		log.Printf("shutdown err=%v", err)
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
