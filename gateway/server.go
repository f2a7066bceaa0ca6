// Package gateway exposes the merchant and sponsor operations over HTTP and streams redemption
// session updates over websockets.
package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"zeppay/cache"
	"zeppay/gateway/middleware"
	"zeppay/journal"
	"zeppay/ledger"
	"zeppay/redemption"
)

// MerchantService is the redemption surface used by the merchant routes.
type MerchantService interface {
	Address() string
	Merchant(ctx context.Context) (ledger.Merchant, error)
	RegisterMerchant(ctx context.Context, businessName string, category ledger.Category) (ledger.Merchant, error)
	OpenSession() *redemption.Session
	Session(id string) (*redemption.Session, error)
	CloseSession(id string) error
	Sessions() []redemption.Snapshot
}

// SponsorService is the sponsorship surface used by the sponsor routes.
type SponsorService interface {
	Sponsor() common.Address
	ListBeneficiaries(ctx context.Context, sponsor common.Address) ([]ledger.Beneficiary, error)
	AddBeneficiary(ctx context.Context, name, mobile string) (ledger.Beneficiary, error)
	CreateSponsorship(ctx context.Context, mobile string, amount ledger.Amount, category ledger.Category) (*ledger.Sponsorship, error)
	ResumeSponsorship(ctx context.Context, id uuid.UUID) (*ledger.Sponsorship, error)
	PendingSponsorships(ctx context.Context) ([]journal.SponsorshipSaga, error)
	RefreshSponsorships(ctx context.Context, sponsor common.Address) ([]ledger.Sponsorship, error)
}

// RedemptionLog lists audited redemption outcomes.
type RedemptionLog interface {
	Redemptions(ctx context.Context, merchant string, limit int) ([]journal.RedemptionRecord, error)
}

// Config captures the dependencies of the HTTP surface. Merchant and Sponsor are optional;
// their routes are only mounted when set.
type Config struct {
	Merchant      MerchantService
	Sponsor       SponsorService
	Cache         *cache.Cache
	Redemptions   RedemptionLog
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Tracing       bool
	Logger        *slog.Logger
}

// Server is the zeppayd HTTP API.
type Server struct {
	merchant    MerchantService
	sponsor     SponsorService
	cache       *cache.Cache
	redemptions RedemptionLog
	logger      *slog.Logger

	router http.Handler
}

// New builds the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		merchant:    cfg.Merchant,
		sponsor:     cfg.Sponsor,
		cache:       cfg.Cache,
		redemptions: cfg.Redemptions,
		logger:      logger,
	}
	s.router = s.buildRouter(cfg)
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	group := func(name, scope string) func(chi.Router) {
		return func(sr chi.Router) {
			if cfg.Authenticator != nil {
				sr.Use(cfg.Authenticator.Middleware(scope))
			}
			if cfg.RateLimiter != nil {
				sr.Use(cfg.RateLimiter.Middleware(name))
			}
			if cfg.Observability != nil {
				sr.Use(cfg.Observability.Middleware(name))
			}
		}
	}

	if s.merchant != nil {
		r.Route("/v1/merchant", func(mr chi.Router) {
			group("merchant", middleware.ScopeMerchant)(mr)
			mr.Get("/", s.getMerchant)
			mr.Post("/register", s.registerMerchant)
			mr.Get("/redemptions", s.listRedemptions)
			mr.Route("/sessions", func(sr chi.Router) {
				sr.Get("/", s.listSessions)
				sr.Post("/", s.openSession)
				sr.Get("/{id}", s.getSession)
				sr.Delete("/{id}", s.closeSession)
				sr.Post("/{id}/otp", s.requestOTP)
				sr.Post("/{id}/code", s.submitCode)
				sr.Get("/{id}/stream", s.streamSession)
			})
		})
	}
	if s.sponsor != nil {
		r.Route("/v1/sponsor", func(sr chi.Router) {
			group("sponsor", middleware.ScopeSponsor)(sr)
			sr.Get("/beneficiaries", s.listBeneficiaries)
			sr.Post("/beneficiaries", s.addBeneficiary)
			sr.Get("/sponsorships", s.listSponsorships)
			sr.Post("/sponsorships", s.createSponsorship)
			sr.Post("/sponsorships/refresh", s.refreshSponsorships)
			sr.Get("/sagas", s.pendingSagas)
			sr.Post("/sagas/{id}/resume", s.resumeSaga)
		})
	}

	if cfg.Tracing {
		return otelhttp.NewHandler(r, "zeppayd")
	}
	return r
}
