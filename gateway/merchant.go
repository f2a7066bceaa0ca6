package gateway

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"zeppay/ledger"
)

func (s *Server) getMerchant(w http.ResponseWriter, r *http.Request) {
	m, err := s.merchant.Merchant(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) registerMerchant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BusinessName string          `json:"businessName"`
		Category     ledger.Category `json:"category"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.merchant.RegisterMerchant(r.Context(), req.BusinessName, req.Category)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) listRedemptions(w http.ResponseWriter, r *http.Request) {
	if s.redemptions == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, ledger.Validation("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	records, err := s.redemptions.Redemptions(r.Context(), s.merchant.Address(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.merchant.Sessions())
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	session := s.merchant.OpenSession()
	s.writeJSON(w, http.StatusCreated, session.Snapshot())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.merchant.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session.Snapshot())
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.merchant.CloseSession(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requestOTP(w http.ResponseWriter, r *http.Request) {
	session, err := s.merchant.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Mobile string        `json:"mobileNumber"`
		Amount ledger.Amount `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := session.RequestOTP(r.Context(), req.Mobile, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) submitCode(w http.ResponseWriter, r *http.Request) {
	session, err := s.merchant.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := session.SubmitCode(r.Context(), req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}
