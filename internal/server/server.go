package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/config"
	"github.com/dukerupert/taskhub/internal/database"
	"github.com/dukerupert/taskhub/internal/handler"
	"github.com/dukerupert/taskhub/internal/middleware"
	"github.com/dukerupert/taskhub/internal/notify"
	"github.com/dukerupert/taskhub/internal/permission"
	"github.com/dukerupert/taskhub/internal/store"
	"github.com/dukerupert/taskhub/internal/token"
	ws "github.com/dukerupert/taskhub/internal/websocket"
)

const authRateWindow = time.Minute

type Server struct {
	db          *sqlx.DB
	cfg         *config.Config
	hub         *ws.Hub
	gateway     *ws.Gateway
	tokenCache  *middleware.TokenCache
	userStore   *store.UserStore
	authH       *handler.AuthHandler
	taskH       *handler.TaskHandler
	notifH      *handler.NotificationHandler
	adminH      *handler.AdminHandler
	authLimiter *middleware.Limiter
	logger      *zap.Logger
}

func New(db *sqlx.DB, cfg *config.Config, logger *zap.Logger) *Server {
	hub := ws.NewHub(logger.With(zap.String("component", "websocket")))

	userStore := store.NewUserStore(db)
	taskStore := store.NewTaskStore(db)
	notificationStore := store.NewNotificationStore(db)

	tokens := token.NewManager(cfg.JWTSecret, cfg.TokenTTL)
	tokenCache := middleware.NewTokenCache(tokens)

	dispatcher := notify.NewDispatcher(hub, logger.With(zap.String("component", "dispatcher")))
	notifier := notify.NewService(notificationStore, dispatcher, logger.With(zap.String("component", "notify")))

	wsOpts := ws.Options{
		AuthTimeout:    cfg.WSAuthTimeout,
		ReplayLimit:    cfg.WSReplayLimit,
		ReplayInterval: cfg.WSReplayInterval,
		OriginPatterns: originPatterns(cfg.FrontendURL),
	}
	gateway := ws.NewGateway(hub, tokenCache, userStore, notificationStore, wsOpts, logger.With(zap.String("component", "gateway")))

	cookie := handler.CookieOptions{Secure: cfg.CookieSecure, Domain: cfg.CookieDomain}

	return &Server{
		db:          db,
		cfg:         cfg,
		hub:         hub,
		gateway:     gateway,
		tokenCache:  tokenCache,
		userStore:   userStore,
		authH:       handler.NewAuthHandler(userStore, tokens, tokenCache, cookie, logger.With(zap.String("component", "auth"))),
		taskH:       handler.NewTaskHandler(taskStore, userStore, notifier, logger.With(zap.String("component", "task"))),
		notifH:      handler.NewNotificationHandler(notificationStore, logger.With(zap.String("component", "notification"))),
		adminH:      handler.NewAdminHandler(userStore, logger.With(zap.String("component", "admin"))),
		authLimiter: middleware.NewLimiter(cfg.RateLimit, authRateWindow),
		logger:      logger,
	}
}

// AuthLimiter returns the login and registration limiter so expired
// windows can be swept.
func (s *Server) AuthLimiter() *middleware.Limiter {
	return s.authLimiter
}

// Hub returns the live connection registry.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(s.logger.With(zap.String("component", "http"))))
	r.Use(middleware.CORS([]string{s.cfg.FrontendURL}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("Task Management API is running"))
	})
	r.Get("/health", s.healthHandler)
	r.Handle("/ws", s.gateway)

	requireAuth := middleware.RequireAuth(s.tokenCache, s.userStore, s.logger.With(zap.String("component", "auth_middleware")))

	r.Route("/auth", func(r chi.Router) {
		limited := s.authLimiter.Middleware(middleware.RealIP)
		r.With(limited).Post("/register", s.authH.Register)
		r.With(limited).Post("/login", s.authH.Login)
		r.Post("/logout", s.authH.Logout)
		r.With(requireAuth).Get("/me", s.authH.Me)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Use(requireAuth)
		r.With(middleware.RequirePermission(permission.CreateTask)).Post("/", s.taskH.Create)
		r.Get("/", s.taskH.List)
		r.With(middleware.RequirePermission(permission.ViewAllTasks)).Get("/all", s.taskH.All)
		r.Get("/filter/created", s.taskH.Created)
		r.Get("/filter/assigned", s.taskH.Assigned)
		r.Get("/filter/overdue", s.taskH.Overdue)
		r.Get("/search", s.taskH.Search)
		r.With(middleware.RequirePermission(permission.AssignTask)).Post("/invite", s.taskH.Invite)
		r.Get("/{id}", s.taskH.Get)
		r.Put("/{id}", s.taskH.Update)
		r.Delete("/{id}", s.taskH.Delete)
	})

	r.Route("/notifications", func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/", s.notifH.List)
		r.Put("/read-all", s.notifH.MarkAllRead)
		r.Get("/unread/count", s.notifH.UnreadCount)
		r.Put("/{id}/read", s.notifH.MarkRead)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAuth)
		r.Use(middleware.RequireAdmin)
		r.Get("/users", s.adminH.ListUsers)
		r.Get("/users/{id}", s.adminH.GetUser)
		r.Put("/users/{id}/role", s.adminH.UpdateRole)
		r.Put("/users/{id}/permissions", s.adminH.UpdatePermissions)
		r.Delete("/users/{id}", s.adminH.DeleteUser)
	})

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	}
	code := http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", zap.Error(err))
		body["status"], code = "unavailable", http.StatusServiceUnavailable
	} else if v, err := database.SchemaVersion(r.Context(), s.db); err == nil {
		body["schema"] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// originPatterns turns the frontend URL into the host pattern the
// WebSocket origin check expects.
func originPatterns(frontendURL string) []string {
	u, err := url.Parse(frontendURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
