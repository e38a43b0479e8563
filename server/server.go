// Package server exposes a provider engine over HTTP. The gin engine is
// the primary surface; adapters mount the same routes into other
// frameworks.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	ivxp "github.com/ivxp-foundation/ivxp-go"
)

// Server serves the provider protocol routes.
type Server struct {
	provider *ivxp.Provider
	log      zerolog.Logger
	engine   *gin.Engine
}

// Option adjusts a Server.
type Option func(*Server)

// WithLogger routes request logs and handler diagnostics to log.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New builds the HTTP surface for a provider engine.
func New(provider *ivxp.Provider, opts ...Option) *Server {
	s := &Server{
		provider: provider,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes(engine)
	s.engine = engine
	return s
}

// Handler returns the server as an http.Handler for mounting or serving.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/ivxp/health", s.health)
	r.GET("/ivxp/catalog", s.catalog)
	r.POST("/ivxp/request", s.serviceRequest)
	r.POST("/ivxp/deliver", s.deliver)
	r.GET("/ivxp/orders/:order_id", s.orderStatus)
	r.GET("/ivxp/orders/:order_id/deliverable", s.download)
	r.POST("/ivxp/confirm", s.confirm)
	r.POST("/ivxp/rating", s.rating)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// writeError renders a protocol error with its canonical HTTP status.
// Foreign errors are logged in full but leave the process as a plain
// service-unavailable.
func (s *Server) writeError(c *gin.Context, err error) {
	e := ivxp.AsError(err)
	if e == nil {
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("handler failed")
		e = ivxp.NewServiceUnavailableError("internal error", nil)
	}
	c.AbortWithStatusJSON(ivxp.HTTPStatusForCode(e.Code), ivxp.ErrorBody{
		Code:    string(e.Code),
		Message: e.Message,
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Health())
}

func (s *Server) catalog(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Catalog())
}

func (s *Server) serviceRequest(c *gin.Context) {
	var req ivxp.ServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, ivxp.NewMalformedRequestError("request body is not valid JSON"))
		return
	}
	quote, err := s.provider.HandleServiceRequest(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) deliver(c *gin.Context) {
	var req ivxp.DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, ivxp.NewMalformedRequestError("request body is not valid JSON"))
		return
	}
	accepted, err := s.provider.HandleDeliveryRequest(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, accepted)
}

func (s *Server) orderStatus(c *gin.Context) {
	status, err := s.provider.OrderStatus(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) download(c *gin.Context) {
	resp, err := s.provider.Download(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		// Not-ready keeps the download body shape clients poll against,
		// not the error shape.
		if e := ivxp.AsError(err); e != nil && e.Code == ivxp.ErrCodeDeliverableNotReady {
			c.JSON(http.StatusAccepted, ivxp.DownloadPending{
				OrderID: e.OrderID,
				Status:  ivxp.OrderStatus(e.Actual),
				Message: "deliverable not ready",
			})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) confirm(c *gin.Context) {
	var req ivxp.ConfirmationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, ivxp.NewMalformedRequestError("request body is not valid JSON"))
		return
	}
	status, err := s.provider.ConfirmDelivery(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) rating(c *gin.Context) {
	var req ivxp.RatingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, ivxp.NewMalformedRequestError("request body is not valid JSON"))
		return
	}
	if err := s.provider.SubmitRating(c.Request.Context(), &req); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": req.OrderID,
		"status":   "accepted",
	})
}
