package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/org/groupledger/internal/audit"
	"github.com/org/groupledger/internal/core"
	"github.com/org/groupledger/internal/crypto"
	"github.com/org/groupledger/internal/expense"
	"github.com/org/groupledger/internal/group"
	"github.com/org/groupledger/internal/groupkey"
	"github.com/org/groupledger/internal/storage"
	"github.com/org/groupledger/pkg/models"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	OperatorToken  string
	KDFIterations  int
	KDFTimeout     time.Duration
	FieldCipher    crypto.Algorithm
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustProxy takes the client address from X-Forwarded-For and X-Real-IP.
	// Enable it only behind a proxy that sets those headers.
	TrustProxy bool
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	LogRequest(ctx context.Context, entry *models.AuditEntry)
	LogEvent(ctx context.Context, requestID, actorID, operation string, meta map[string]any)
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Server is the API server.
type Server struct {
	store    storage.Backend
	seal     *core.SealManager
	initMu   sync.Mutex
	groups   *group.Service
	expenses *expense.Service
	auditor  AuditLogger
	cfg      Config
	log      zerolog.Logger
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server. The key provider starts sealed.
func NewServer(store storage.Backend, cfg Config, log zerolog.Logger) (*Server, error) {
	cipher, err := crypto.NewFieldCipher(cfg.FieldCipher)
	if err != nil {
		return nil, err
	}
	if cfg.KDFIterations == 0 {
		cfg.KDFIterations = groupkey.DefaultIterations
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS, cfg.RateLimitBurst = 100, 200
	}

	sealMgr := core.NewSealManager()
	keys := groupkey.NewService(store, core.NewEnvelopeProtector(sealMgr), log)
	orch := expense.NewOrchestrator(groupkey.NewDeriver(keys), cipher, cfg.KDFIterations)
	// Expense access and key rotation must share one lock table.
	locks := groupkey.NewKeyedLock()

	return &Server{
		store:    store,
		seal:     sealMgr,
		groups:   group.NewService(store, store, keys, orch, locks, log),
		expenses: expense.NewService(store, store, orch, locks, log),
		auditor:  audit.NewLogger(store, log),
		cfg:      cfg,
		log:      log.With().Str("component", "api").Logger(),
	}, nil
}

// LoadProviderState hands persisted init data to the seal manager so that
// unsealing can start. It is a no-op on an uninitialized store.
func (s *Server) LoadProviderState(ctx context.Context) (initialized bool, err error) {
	data, err := s.store.GetInitData(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading init data: %w", err)
	}
	s.seal.Configure(data)
	setSealGauge(s.seal.IsSealed())
	return true, nil
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	if s.cfg.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)
	r.Use(auditMiddleware(s.auditor))

	r.Handle("/metrics", MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		r.Get("/v1/sys/seal-status", s.SealStatusHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(operatorMiddleware(s.cfg.OperatorToken))

		r.Post("/v1/sys/init", s.InitHandler)
		r.Post("/v1/sys/unseal", s.UnsealHandler)
		r.Put("/v1/sys/seal", s.SealHandler)
		r.Get("/v1/sys/audit-log", s.AuditLogHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(userMiddleware)

		r.Post("/v1/groups", s.GroupCreateHandler)
		r.Route("/v1/groups/{groupID}", func(r chi.Router) {
			r.Get("/", s.GroupGetHandler)
			r.Delete("/", s.GroupDeleteHandler)
			r.Post("/rotate", s.GroupRotateHandler)

			r.Post("/expenses", s.ExpenseCreateHandler)
			r.Get("/expenses", s.ExpenseListHandler)
			r.Get("/expenses/{expenseID}", s.ExpenseGetHandler)
			r.Patch("/expenses/{expenseID}", s.ExpenseUpdateHandler)
			r.Delete("/expenses/{expenseID}", s.ExpenseDeleteHandler)
		})
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server and seals the key provider.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.seal.Seal()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// kdfContext bounds the key derivations of one request.
func (s *Server) kdfContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.KDFTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.cfg.KDFTimeout)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		msg = http.StatusText(code)
	}
	writeError(w, code, msg)
}

func (s *Server) refreshGroupGauge(ctx context.Context) {
	n, err := s.store.CountGroups(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("counting groups")
		return
	}
	groupsTotal.Set(float64(n))
}
