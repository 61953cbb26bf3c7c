package link

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/relaylink/internal/auth"
	"github.com/danmuck/relaylink/internal/logging"
	"github.com/danmuck/relaylink/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const adminShutdownTimeout = 5 * time.Second

// AdminServer exposes health, link status and metrics over HTTP.
type AdminServer struct {
	addr   string
	router *gin.Engine
	log    zerolog.Logger
}

// NewAdminServer builds the router. When token is set, /status and /metrics
// require it as a bearer token; /health stays open.
func NewAdminServer(addr string, origins []string, token string, status func() Status) *AdminServer {
	gin.SetMode(gin.ReleaseMode)
	observability.RegisterMetrics()
	logger := logging.Component("link.admin")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestObserver("linkctl", logger))
	if len(origins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodOptions},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/health", func(c *gin.Context) {
		st := status()
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"state":     st.State,
			"connected": st.Connected,
		})
	})

	guarded := router.Group("/")
	if token != "" {
		guarded.Use(auth.RequireBearer(auth.StaticToken{Token: token}))
	}
	guarded.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, status())
	})
	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &AdminServer{addr: addr, router: router, log: logger}
}

func (s *AdminServer) Handler() http.Handler { return s.router }

// Serve listens until ctx is cancelled.
func (s *AdminServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *AdminServer) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
