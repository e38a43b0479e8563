package server

import (
	"github.com/labstack/echo/v4"
)

// Mount attaches the provider routes to an existing echo application so
// the protocol can ride alongside a service that already serves echo.
func Mount(e *echo.Echo, s *Server) {
	wrapped := echo.WrapHandler(s.Handler())
	e.Any("/ivxp", wrapped)
	e.Any("/ivxp/*", wrapped)
}

// MountReceiver attaches the push delivery endpoint to an existing echo
// application.
func MountReceiver(e *echo.Echo, r *Receiver) {
	wrapped := echo.WrapHandler(r.Handler())
	e.Any("/ivxp", wrapped)
	e.Any("/ivxp/*", wrapped)
}
