package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/tgchat/apiserver/config"
	"github.com/tgchat/apiserver/internal/auth"
	"github.com/tgchat/apiserver/internal/db"
	"github.com/tgchat/apiserver/internal/handlers"
	"github.com/tgchat/apiserver/internal/logging"
	"github.com/tgchat/apiserver/internal/mq"
	"github.com/tgchat/apiserver/internal/services"
	"github.com/tgchat/apiserver/internal/storage"
	"github.com/tgchat/apiserver/internal/store"
)

const sweepInterval = time.Minute

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	redis      *redis.Client
	queue      *mq.MQ
	events     *services.MQEventPublisher
	stopBg     context.CancelFunc
	log        logging.Logger
}

// deps are the connections the HTTP layer is assembled from.
type deps struct {
	db    *sql.DB
	users services.UserRepository
	redis *redis.Client
	queue *mq.MQ
	// objects, when set, archives auth events inside this process.
	objects *storage.Storage
}

// New connects to every configured backend and assembles the router.
func New(ctx context.Context, cfg config.Config, log logging.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d := deps{db: dbConn, users: store.NewUserRepository(dbConn)}

	if cfg.Backends.Sessions == config.BackendRedis || cfg.Backends.Codes == config.BackendRedis {
		d.redis, err = db.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			_ = dbConn.Close()
			return nil, err
		}
	}

	d.queue, err = mq.Open(ctx, cfg)
	if err == nil && cfg.Backends.MQ == config.BackendMemory {
		// Nothing outside this process can consume a memory queue.
		d.objects, err = storage.Open(ctx, cfg)
	}
	if err != nil {
		_ = dbConn.Close()
		if d.redis != nil {
			_ = d.redis.Close()
		}
		if d.queue != nil {
			_ = d.queue.Close()
		}
		return nil, err
	}

	return assemble(cfg, log, d)
}

func assemble(cfg config.Config, log logging.Logger, d deps) (*Server, error) {
	if log == nil {
		log = logging.Nop()
	}

	var (
		codes    services.CodeStore
		sessions services.SessionStore
		sweepers []store.Sweeper
	)
	switch cfg.Backends.Codes {
	case config.BackendRedis:
		if d.redis == nil {
			return nil, errors.New("redis code backend needs a redis client")
		}
		codes = store.NewRedisCodeStore(d.redis, nil)
	default:
		memory := store.NewMemoryCodeStore(nil)
		codes = memory
		sweepers = append(sweepers, memory)
	}
	switch cfg.Backends.Sessions {
	case config.BackendRedis:
		if d.redis == nil {
			return nil, errors.New("redis session backend needs a redis client")
		}
		sessions = store.NewRedisSessionStore(d.redis, nil)
	default:
		memory := store.NewMemorySessionStore(nil)
		sessions = memory
		sweepers = append(sweepers, memory)
	}

	var (
		events    services.EventPublisher = services.NopEventPublisher{}
		publisher *services.MQEventPublisher
	)
	if d.queue != nil {
		publisher = services.NewMQEventPublisher(d.queue, cfg.Audit.Channel, log.With("component", "events"))
		events = publisher
	}

	codec := auth.NewTokenCodec([]byte(cfg.Auth.JWTSecret), nil)
	authService := services.NewAuthService(
		d.users,
		auth.NewBcryptHasher(cfg.Auth.BcryptCost),
		services.NewRegistrationCodes(codes, cfg.Auth.CodeTTL, nil, nil),
		services.NewSessionRegistry(sessions, codec, cfg.Auth.SessionTTL),
		events,
		log.With("component", "auth"),
	)
	userService := services.NewUserService(d.users)
	authHandler := handlers.NewAuthHandler(authService, userService, cfg.Server.SecureCookies, log.With("component", "http"))

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
		cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authHandler)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	bgCtx, stopBg := context.WithCancel(context.Background())
	if len(sweepers) > 0 {
		go store.RunSweepers(bgCtx, sweepInterval, sweepers...)
	}
	if d.queue != nil && d.objects != nil {
		archiver := services.NewAuditArchiver(d.queue, d.objects, cfg.Audit.Channel, cfg.Audit.KeyPrefix, log.With("component", "audit"))
		go func() {
			if err := archiver.Run(bgCtx); err != nil {
				log.Error(bgCtx, "audit archiver stopped", "error", err)
			}
		}()
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         d.db,
		redis:      d.redis,
		queue:      d.queue,
		events:     publisher,
		stopBg:     stopBg,
		log:        log,
	}, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info(context.Background(), "http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes every backend.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.events != nil {
		s.events.Close()
	}
	s.stopBg()
	if s.queue != nil {
		err = errors.Join(err, s.queue.Close())
	}
	if s.redis != nil {
		err = errors.Join(err, s.redis.Close())
	}
	if s.db != nil {
		err = errors.Join(err, s.db.Close())
	}
	return err
}
