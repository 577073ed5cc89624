// Package api exposes the fleet reconcilers over HTTP and hosts the agent
// stream endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/transport"
	"github.com/openfroyo/fleet/pkg/types"
)

// BasePath prefixes every admin route.
const BasePath = "/api/v1"

// Fleet is the reconciler surface the API serves.
type Fleet interface {
	StorePeerDescriptor(ctx context.Context, descriptor types.PeerDescriptor) error
	DeletePeerDescriptor(ctx context.Context, peerID types.PeerID) (types.PeerDescriptor, error)
	GetPeerDescriptor(ctx context.Context, peerID types.PeerID) (types.PeerDescriptor, error)
	ListPeerDescriptors(ctx context.Context) ([]types.PeerDescriptor, error)
	PeerState(ctx context.Context, peerID types.PeerID) (types.PeerState, error)
	ListPeerStates(ctx context.Context) (map[types.PeerID]types.PeerState, error)

	CreateClusterConfiguration(ctx context.Context, cluster types.ClusterConfiguration) error
	DeleteClusterConfiguration(ctx context.Context, clusterID types.ClusterID) (types.ClusterConfiguration, error)
	GetClusterConfiguration(ctx context.Context, clusterID types.ClusterID) (types.ClusterConfiguration, error)
	ListClusterConfigurations(ctx context.Context) ([]types.ClusterConfiguration, error)

	StoreClusterDeployment(ctx context.Context, deployment types.ClusterDeployment) error
	DeleteClusterDeployment(ctx context.Context, clusterID types.ClusterID) (types.ClusterDeployment, error)
	GetClusterDeployment(ctx context.Context, clusterID types.ClusterID) (types.ClusterDeployment, error)
	ListClusterDeployments(ctx context.Context) ([]types.ClusterDeployment, error)
	ClusterState(ctx context.Context, clusterID types.ClusterID) (types.ClusterState, error)
}

// Config wires a Server.
type Config struct {
	Fleet Fleet

	// Stream serves agent connections on transport.StreamPath. Optional.
	Stream http.Handler

	// Auth issues agent tokens. Nil disables the token endpoint.
	Auth     *transport.Authenticator
	TokenTTL time.Duration

	Telemetry *telemetry.Telemetry
}

// Server is the admin HTTP server.
type Server struct {
	router    *gin.Engine
	fleet     Fleet
	auth      *transport.Authenticator
	tokenTTL  time.Duration
	telemetry *telemetry.Telemetry
	logger    *telemetry.Logger
}

// NewServer creates the server and registers its routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Fleet == nil {
		return nil, errors.New("api server requires a fleet")
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	s := &Server{
		router:    gin.New(),
		fleet:     cfg.Fleet,
		auth:      cfg.Auth,
		tokenTTL:  ttl,
		telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("api"),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes(cfg.Stream)
	return s, nil
}

func (s *Server) routes(stream http.Handler) {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if reg := s.telemetry.Metrics.Registry(); reg != nil {
		s.router.GET(s.telemetry.Config.Metrics.Path, gin.WrapH(s.telemetry.Metrics.Handler()))
	}
	if stream != nil {
		s.router.GET(transport.StreamPath, gin.WrapH(stream))
	}

	v1 := s.router.Group(BasePath)

	v1.GET("/peers", s.listPeers)
	v1.GET("/peers/:id", s.getPeer)
	v1.PUT("/peers/:id", s.storePeer)
	v1.DELETE("/peers/:id", s.deletePeer)
	v1.POST("/peers/:id/token", s.issueToken)

	v1.GET("/peer-states", s.listPeerStates)
	v1.GET("/peer-states/:id", s.getPeerState)

	v1.GET("/cluster-configurations", s.listClusterConfigurations)
	v1.GET("/cluster-configurations/:id", s.getClusterConfiguration)
	v1.PUT("/cluster-configurations/:id", s.storeClusterConfiguration)
	v1.DELETE("/cluster-configurations/:id", s.deleteClusterConfiguration)

	v1.GET("/cluster-deployments", s.listClusterDeployments)
	v1.GET("/cluster-deployments/:id", s.getClusterDeployment)
	v1.PUT("/cluster-deployments/:id", s.storeClusterDeployment)
	v1.DELETE("/cluster-deployments/:id", s.deleteClusterDeployment)

	v1.GET("/cluster-states", s.listClusterStates)
	v1.GET("/cluster-states/:id", s.getClusterState)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", addr).Info("Admin API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger := s.logger.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if err := c.Errors.Last(); err != nil {
			logger = logger.WithError(err.Err)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("Request failed")
			return
		}
		logger.Debug("Handled request")
	}
}
