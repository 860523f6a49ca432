package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"communityloans/crypto"
	"communityloans/native/loanpool"
	"communityloans/services/loanpool/journal"
	"communityloans/services/loanpool/middleware"
	"communityloans/services/loanpool/node"
	"communityloans/state/bank"
)

const maxBodyBytes = 1 << 16

// Backend is the node surface served over HTTP.
type Backend interface {
	PoolAccount() crypto.Address
	Params() loanpool.Params
	Propose(origin loanpool.Origin, amount *big.Int, beneficiary string) (loanpool.ProposalIndex, error)
	Reject(origin loanpool.Origin, index loanpool.ProposalIndex) error
	Approve(origin loanpool.Origin, req loanpool.ApproveRequest) (loanpool.LoanIndex, error)
	DeleteLoan(origin loanpool.Origin, index loanpool.LoanIndex) error
	Repay(payer crypto.Address, collection, item uint32) (*big.Int, error)
	Sweep(origin loanpool.Origin, trigger string) (*loanpool.AccrualReport, error)
	Proposal(index loanpool.ProposalIndex) (*loanpool.Proposal, error)
	Proposals() ([]loanpool.IndexedProposal, error)
	Loan(index loanpool.LoanIndex) (*loanpool.LoanInfo, error)
	Loans() ([]loanpool.IndexedLoan, error)
	Counters() (node.Counters, error)
	Balance(addr crypto.Address) (*bank.Balance, error)
	PoolBalance() (*big.Int, error)
}

// EventLog serves journaled events.
type EventLog interface {
	List(ctx context.Context, filter journal.Filter) ([]journal.Entry, error)
}

type Config struct {
	Auth          middleware.AuthConfig
	RateLimits    map[string]middleware.RateLimit
	CORS          middleware.CORSConfig
	StreamOrigins []string
	LogRequests   bool
}

type Server struct {
	backend Backend
	events  EventLog
	hub     *Hub
	cfg     Config
	logger  *slog.Logger

	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
}

// New builds the HTTP server. events and hub may be nil, which disables the
// corresponding endpoints.
func New(backend Backend, events EventLog, hub *Hub, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: backend,
		events:  events,
		hub:     hub,
		cfg:     cfg,
		logger:  logger,
		auth:    middleware.NewAuthenticator(cfg.Auth, logger),
		limiter: middleware.NewRateLimiter(cfg.RateLimits, logger),
		obs:     middleware.NewObservability("loanpool", cfg.LogRequests, logger),
	}
}

// Handler returns the routed, traced handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cfg.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			read.Use(s.limiter.Middleware("read"))
			read.With(s.obs.Middleware("pool")).Get("/pool", s.handlePool)
			read.With(s.obs.Middleware("accounts")).Get("/accounts/{account}", s.handleBalance)
			read.With(s.obs.Middleware("proposals")).Get("/proposals", s.handleListProposals)
			read.With(s.obs.Middleware("proposals")).Get("/proposals/{index}", s.handleGetProposal)
			read.With(s.obs.Middleware("loans")).Get("/loans", s.handleListLoans)
			read.With(s.obs.Middleware("loans")).Get("/loans/{index}", s.handleGetLoan)
			read.With(s.obs.Middleware("events")).Get("/events", s.handleListEvents)
			read.Get("/events/stream", s.handleEventStream)
		})
		v1.Group(func(write chi.Router) {
			write.Use(s.limiter.Middleware("write"))
			write.With(s.obs.Middleware("propose"), s.auth.Middleware()).Post("/proposals", s.handlePropose)
			write.With(s.obs.Middleware("approve"), s.auth.Middleware(middleware.ScopeApprove)).Post("/proposals/{index}/approve", s.handleApprove)
			write.With(s.obs.Middleware("reject"), s.auth.Middleware(middleware.ScopeReject)).Post("/proposals/{index}/reject", s.handleReject)
			write.With(s.obs.Middleware("delete_loan"), s.auth.Middleware(middleware.ScopeContract)).Delete("/loans/{index}", s.handleDeleteLoan)
			write.With(s.obs.Middleware("repay"), s.auth.Middleware()).Post("/loans/repay", s.handleRepay)
			write.With(s.obs.Middleware("sweep"), s.auth.Middleware(middleware.ScopeSweep)).Post("/accrual", s.handleSweep)
		})
	})
	return otelhttp.NewHandler(r, "loanpoold")
}

// origin resolves the caller and converts granted scopes into capabilities.
func (s *Server) origin(r *http.Request) (loanpool.Origin, error) {
	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok || principal.Subject == "" {
		return loanpool.Origin{}, errNoSubject
	}
	account, err := crypto.ParseAccount(principal.Subject)
	if err != nil {
		return loanpool.Origin{}, badRequest("subject: %v", err)
	}
	origin := loanpool.Signed(account)
	scopes := map[string]loanpool.Capability{
		middleware.ScopeApprove:  loanpool.CapApprove,
		middleware.ScopeReject:   loanpool.CapReject,
		middleware.ScopeSweep:    loanpool.CapSweep,
		middleware.ScopeContract: loanpool.CapLoanContract,
	}
	for scope, capability := range scopes {
		if principal.HasScope(scope) {
			origin = origin.With(capability)
		}
	}
	return origin, nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := toStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	counters, err := s.backend.Counters()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	balance, err := s.backend.PoolBalance()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	params := s.backend.Params()
	view := poolView{
		Account:           s.backend.PoolAccount().String(),
		FreeBalance:       amountString(balance),
		ProposalCount:     counters.Proposals,
		LoanCount:         counters.Loans,
		OngoingLoans:      counters.Ongoing,
		MaxOngoingLoans:   counters.Capacity,
		BondPermill:       uint32(params.BondFraction),
		BondMinimum:       amountString(params.BondMinimum),
		CollectionDeposit: amountString(params.CollectionDeposit),
	}
	if params.BondMaximum != nil {
		view.BondMaximum = params.BondMaximum.String()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := crypto.ParseAccount(chi.URLParam(r, "account"))
	if err != nil {
		s.fail(w, r, badRequest("account: %v", err))
		return
	}
	bal, err := s.backend.Balance(account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{
		Account:  account.String(),
		Free:     amountString(bal.Free),
		Reserved: amountString(bal.Reserved),
	})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.backend.Proposals()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]proposalView, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, newProposalView(p.Index, p.Proposal))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	index, err := parseIndex(chi.URLParam(r, "index"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	proposal, err := s.backend.Proposal(index)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProposalView(index, proposal))
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := s.backend.Loans()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]loanView, 0, len(loans))
	for _, l := range loans {
		out = append(out, newLoanView(l.Index, l.Loan))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	index, err := parseIndex(chi.URLParam(r, "index"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := s.backend.Loan(index)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanView(index, info))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.fail(w, r, errJournalDisabled)
		return
	}
	query := r.URL.Query()
	filter := journal.Filter{Type: query.Get("type")}
	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.fail(w, r, badRequest("after: %v", err))
			return
		}
		filter.After = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(w, r, badRequest("limit: %v", err))
			return
		}
		filter.Limit = limit
	}
	entries, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	origin, err := s.origin(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req proposeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	index, err := s.backend.Propose(origin, amount, req.Beneficiary)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	proposal, err := s.backend.Proposal(index)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newProposalView(index, proposal))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	origin, err := s.origin(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	index, err := parseIndex(chi.URLParam(r, "index"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body approveRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := body.toApproval(index)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	loanIndex, err := s.backend.Approve(origin, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := s.backend.Loan(loanIndex)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newLoanView(loanIndex, info))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	origin, err := s.origin(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	index, err := parseIndex(chi.URLParam(r, "index"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.backend.Reject(origin, index); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteLoan(w http.ResponseWriter, r *http.Request) {
	origin, err := s.origin(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	index, err := parseIndex(chi.URLParam(r, "index"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.backend.DeleteLoan(origin, index); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	origin, err := s.origin(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req repayRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	settled, err := s.backend.Repay(origin.Account, req.CollectionID, req.ItemID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"settled": amountString(settled)})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	origin, err := s.origin(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.backend.Sweep(origin, "api")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSweepView(report))
}
