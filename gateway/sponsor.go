package gateway

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"zeppay/cache"
	"zeppay/ledger"
)

type sponsorshipView struct {
	ledger.Sponsorship
	FetchedAt string `json:"fetchedAt"`
	Dirty     bool   `json:"dirty"`
}

type sagaView struct {
	ID            string `json:"id"`
	Mobile        string `json:"mobileNumber"`
	Category      string `json:"category"`
	Amount        string `json:"amount"`
	Phase         string `json:"phase"`
	AllowanceTx   string `json:"allowanceTx,omitempty"`
	SponsorshipTx string `json:"sponsorshipTx,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	UpdatedAt     string `json:"updatedAt"`
}

// sponsorParam reads ?sponsor=, defaulting to the service identity.
func (s *Server) sponsorParam(r *http.Request) (common.Address, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("sponsor"))
	if raw == "" {
		return s.sponsor.Sponsor(), nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, ledger.Validation("sponsor must be a 0x address")
	}
	return common.HexToAddress(raw), nil
}

func (s *Server) listBeneficiaries(w http.ResponseWriter, r *http.Request) {
	sponsor, err := s.sponsorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	roster, err := s.sponsor.ListBeneficiaries(r.Context(), sponsor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, roster)
}

func (s *Server) addBeneficiary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Mobile string `json:"mobileNumber"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.sponsor.AddBeneficiary(r.Context(), req.Name, req.Mobile)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

// listSponsorships serves cached balances. Entries touched by a write since the last refresh
// are flagged dirty.
func (s *Server) listSponsorships(w http.ResponseWriter, r *http.Request) {
	sponsor, err := s.sponsorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var entries []cache.Entry[ledger.Sponsorship]
	if s.cache != nil {
		entries = s.cache.Sponsorships(sponsor)
	}
	out := make([]sponsorshipView, 0, len(entries))
	for _, e := range entries {
		out = append(out, sponsorshipView{
			Sponsorship: e.Value,
			FetchedAt:   e.FetchedAt.UTC().Format(timeLayout),
			Dirty:       e.Dirty,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) createSponsorship(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mobile   string          `json:"mobileNumber"`
		Amount   ledger.Amount   `json:"amount"`
		Category ledger.Category `json:"category"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.sponsor.CreateSponsorship(r.Context(), req.Mobile, req.Amount, req.Category)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) refreshSponsorships(w http.ResponseWriter, r *http.Request) {
	sponsor, err := s.sponsorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	fresh, err := s.sponsor.RefreshSponsorships(r.Context(), sponsor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, fresh)
}

func (s *Server) pendingSagas(w http.ResponseWriter, r *http.Request) {
	sagas, err := s.sponsor.PendingSponsorships(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]sagaView, 0, len(sagas))
	for _, saga := range sagas {
		out = append(out, sagaView{
			ID:            saga.ID.String(),
			Mobile:        saga.Mobile,
			Category:      ledger.Category(saga.Category).String(),
			Amount:        saga.Amount,
			Phase:         string(saga.Phase),
			AllowanceTx:   saga.AllowanceTx,
			SponsorshipTx: saga.SponsorshipTx,
			LastError:     saga.LastError,
			UpdatedAt:     saga.UpdatedAt.UTC().Format(timeLayout),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) resumeSaga(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, ledger.Validation("saga id must be a UUID"))
		return
	}
	resumed, err := s.sponsor.ResumeSponsorship(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resumed)
}
