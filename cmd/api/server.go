package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coopledger/auth"
	"coopledger/loan"
	"coopledger/report"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"

	maxBodyBytes = 1 << 20
	dateLayout   = time.DateOnly
)

type ledgerService interface {
	CreateContract(ctx context.Context, p loan.CreateContractParams) (loan.Contract, error)
	UpdateBorrower(ctx context.Context, id string, b loan.Borrower) (loan.Contract, error)
	SubmitRepayment(ctx context.Context, req loan.RepaymentRequest) (loan.RepaymentResult, error)
	GetContract(ctx context.Context, id string) (loan.Contract, error)
	ListContracts(ctx context.Context, page, pageSize int) (loan.ContractPage, error)
	ListSchedule(ctx context.Context, contractID string) ([]loan.InstallmentEntry, error)
	ListUpcoming(ctx context.Context, contractID string, limit int) ([]loan.InstallmentEntry, error)
	ListRepayments(ctx context.Context, contractID string) ([]loan.Repayment, error)
}

type reportService interface {
	Portfolio(ctx context.Context, asOf time.Time) (report.Portfolio, error)
	Export(ctx context.Context, asOf time.Time) ([]byte, report.Portfolio, error)
	Archive(ctx context.Context, asOf time.Time) (string, error)
	Invalidate(ctx context.Context) error
}

type authService interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Claims, error)
}

// Server exposes the ledger over JSON HTTP.
type Server struct {
	ledger      ledgerService
	reports     reportService
	authService authService
	httpServer  *http.Server
}

func NewServer(port string, ledger ledgerService, reports reportService, authSvc authService) *Server {
	s := &Server{
		ledger:      ledger,
		reports:     reports,
		authService: authSvc,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.Handle("/api/loans", s.requireAuth(http.HandlerFunc(s.handleLoans)))
	mux.Handle("/api/loans/", s.requireAuth(http.HandlerFunc(s.handleLoanDetail)))
	mux.Handle("/api/reports/portfolio", s.requireAuth(http.HandlerFunc(s.handlePortfolio)))
	mux.Handle("/api/reports/portfolio.xlsx", s.requireAuth(http.HandlerFunc(s.handlePortfolioExport)))
	mux.Handle("/api/reports/portfolio/archive", s.requireAuth(http.HandlerFunc(s.handlePortfolioArchive)))
	return mux
}

// Run serves until ctx is cancelled, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[HTTP][START] addr=%s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Printf("[HTTP][STOP] draining")
		return s.httpServer.Shutdown(shCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		log.Printf("[HTTP][LOGIN][ERR] %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		User: userResponse{
			ID:       res.User.ID,
			Username: res.User.Username,
			FullName: res.User.FullName,
			Role:     string(res.User.Role),
		},
	})
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListLoans(w, r)
	case http.MethodPost:
		s.handleCreateLoan(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", loan.DefaultPageSize)

	res, err := s.ledger.ListContracts(r.Context(), page, pageSize)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	items := make([]contractResponse, 0, len(res.Contracts))
	for _, c := range res.Contracts {
		items = append(items, toContractResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"total":    res.Total,
		"page":     res.Page,
		"pageSize": res.PageSize,
	})
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params, err := req.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.ledger.CreateContract(r.Context(), params)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.invalidateReports(r.Context())
	writeJSON(w, http.StatusCreated, toContractResponse(c))
}

func (s *Server) handleUpdateBorrower(w http.ResponseWriter, r *http.Request, id string) {
	var req borrowerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	borrower, err := req.toBorrower()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.ledger.UpdateBorrower(r.Context(), id, borrower)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractResponse(c))
}

// invalidateReports drops cached portfolios after a committed money write.
// Failures are only logged.
func (s *Server) invalidateReports(ctx context.Context) {
	if err := s.reports.Invalidate(ctx); err != nil {
		log.Printf("[HTTP][REPORT][WARN] invalidate: %v", err)
	}
}

// handleLoanDetail routes /api/loans/{id}[/schedule|/upcoming|/repayments].
// PUT on the contract itself edits the borrower; there is no DELETE.
func (s *Server) handleLoanDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/loans/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeError(w, http.StatusBadRequest, "invalid loan path")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			c, err := s.ledger.GetContract(r.Context(), id)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, toContractResponse(c))
		case http.MethodPut:
			s.handleUpdateBorrower(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "schedule":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		entries, err := s.ledger.ListSchedule(r.Context(), id)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": toEntryResponses(entries)})
	case "upcoming":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		entries, err := s.ledger.ListUpcoming(r.Context(), id, queryInt(r, "limit", loan.DefaultUpcomingLimit))
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": toEntryResponses(entries)})
	case "repayments":
		switch r.Method {
		case http.MethodGet:
			reps, err := s.ledger.ListRepayments(r.Context(), id)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			items := make([]repaymentResponse, 0, len(reps))
			for _, rep := range reps {
				items = append(items, toRepaymentResponse(rep))
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			s.handleSubmitRepayment(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleSubmitRepayment(w http.ResponseWriter, r *http.Request, contractID string) {
	var req submitRepaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	paymentDate, err := time.Parse(dateLayout, req.PaymentDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "paymentDate must be YYYY-MM-DD")
		return
	}

	res, err := s.ledger.SubmitRepayment(r.Context(), loan.RepaymentRequest{
		ContractID:  contractID,
		AmountPaid:  req.AmountPaid,
		PaymentDate: paymentDate,
		Method:      req.Method,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.invalidateReports(r.Context())

	writeJSON(w, http.StatusCreated, submitRepaymentResponse{
		Repayment:        toRepaymentResponse(res.Repayment),
		AppliedAmount:    money(res.Applied),
		UnappliedAmount:  money(res.Unapplied),
		TotalPaid:        money(res.Contract.TotalPaid),
		RemainingBalance: money(res.Contract.RemainingBalance()),
		ContractStatus:   string(res.Contract.Status),
		Changed:          toEntryResponses(res.Changed),
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	asOf, ok := parseAsOf(w, r)
	if !ok {
		return
	}

	p, err := s.reports.Portfolio(r.Context(), asOf)
	if err != nil {
		log.Printf("[HTTP][REPORT][ERR] %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toPortfolioResponse(p))
}

func (s *Server) handlePortfolioExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	asOf, ok := parseAsOf(w, r)
	if !ok {
		return
	}

	data, p, err := s.reports.Export(r.Context(), asOf)
	if err != nil {
		log.Printf("[HTTP][REPORT][ERR] export: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="portfolio-%s.xlsx"`, p.AsOf.Format(dateLayout)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePortfolioArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if role, _ := r.Context().Value(ctxKeyRole).(auth.Role); role != auth.RoleManager {
		writeError(w, http.StatusForbidden, "manager role required")
		return
	}
	asOf, ok := parseAsOf(w, r)
	if !ok {
		return
	}

	key, err := s.reports.Archive(r.Context(), asOf)
	if err != nil {
		if errors.Is(err, report.ErrArchiveDisabled) {
			writeError(w, http.StatusServiceUnavailable, "archive storage not configured")
			return
		}
		log.Printf("[HTTP][REPORT][ERR] archive: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func parseAsOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("asOf")
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "asOf must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return t, true
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, loan.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, loan.ErrNotFound):
		writeError(w, http.StatusNotFound, "loan contract not found")
	default:
		log.Printf("[HTTP][LEDGER][ERR] %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
