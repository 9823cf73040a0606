package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/balanced/internal/balance/syncbatch"
	"github.com/smallbiznis/balanced/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const readyTimeout = 2 * time.Second

// Module serves the operational endpoints of a balance node.
var Module = fx.Module("ops.server",
	fx.Provide(provideFlusher),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

// Flusher drains the pending sync batches.
type Flusher interface {
	Flush(ctx context.Context) error
}

func provideFlusher(m *syncbatch.Manager) Flusher { return m }

type ServerParams struct {
	fx.In

	Cfg     config.Config
	DB      *gorm.DB
	Redis   *redis.Client `optional:"true"`
	Flusher Flusher       `optional:"true"`
	Log     *zap.Logger
}

type Server struct {
	engine  *gin.Engine
	cfg     config.Config
	db      *gorm.DB
	redis   *redis.Client
	flusher Flusher
	log     *zap.Logger
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		cfg:     p.Cfg,
		db:      p.DB,
		redis:   p.Redis,
		flusher: p.Flusher,
		log:     p.Log.Named("ops.server"),
	}
	s.engine = s.newEngine()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) newEngine() *gin.Engine {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(s.log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", s.Healthz)
	r.GET("/readyz", s.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	internal := r.Group("/internal")
	internal.POST("/sync/flush", s.FlushSync)

	return r
}

func run(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              s.cfg.OpsAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("ops server stopped", zap.String("addr", srv.Addr), zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
