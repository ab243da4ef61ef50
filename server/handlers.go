package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	x402 "github.com/vitwit/x402-market"
	"github.com/vitwit/x402-market/challenge"
	"github.com/vitwit/x402-market/fulfillment"
	"github.com/vitwit/x402-market/logger"
	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/types"
	"github.com/vitwit/x402-market/utils"
)

const missingPayment = "X-PAYMENT header is required"

type handler struct {
	fac      *x402.Facilitator
	logger   logger.Logger
	pageSize int
}

type paywallRequest struct {
	Wallet  string `json:"wallet"`
	Tier    string `json:"tier"`
	Network string `json:"network"`
}

type paywallResponse struct {
	OK               bool      `json:"ok"`
	Tier             string    `json:"tier"`
	ExpiresAt        time.Time `json:"expiresAt"`
	Tx               string    `json:"tx"`
	AlreadyProcessed bool      `json:"alreadyProcessed"`
}

type buyRequest struct {
	Buyer      string `json:"buyer"`
	ReceiptRef string `json:"receiptRef,omitempty"`
}

type buyResponse struct {
	OK               bool           `json:"ok"`
	Tx               string         `json:"tx"`
	Purchase         types.Purchase `json:"purchase"`
	Listing          types.Listing  `json:"listing"`
	AlreadyProcessed bool           `json:"alreadyProcessed"`
}

type createListingRequest struct {
	Seller      string `json:"seller"`
	Network     string `json:"network"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Supply      int64  `json:"supply"`

	// Price is in display units; PriceBase is used when it is empty.
	Price     string `json:"price,omitempty"`
	PriceBase uint64 `json:"priceBase,omitempty"`
	Mint      string `json:"mint,omitempty"`
}

// rejection is the 402 body of a proof that failed verification.
type rejection struct {
	types.X402Response
	OK          bool         `json:"ok"`
	Reason      types.Reason `json:"reason"`
	TxReference string       `json:"txReference,omitempty"`
	Expected    string       `json:"expected,omitempty"`
	Got         string       `json:"got,omitempty"`
}

type soldOut struct {
	OK          bool   `json:"ok"`
	Reason      string `json:"reason"`
	TxReference string `json:"txReference,omitempty"`
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ok := true
	for name, err := range h.fac.Health(r.Context()) {
		if err != nil {
			ok = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": ok, "checks": checks})
}

func (h *handler) supported(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.fac.Supported())
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	wallet := strings.TrimSpace(chi.URLParam(r, "wallet"))
	if wallet == "" {
		writeBadRequest(w, types.ErrInvalidPayload, "wallet is required")
		return
	}

	st, err := h.fac.Status(r.Context(), wallet)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) paywall(w http.ResponseWriter, r *http.Request) {
	var req paywallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, types.ErrInvalidPayload, "invalid request body")
		return
	}

	wallet := strings.TrimSpace(req.Wallet)
	if !validWallet(wallet) {
		writeBadRequest(w, types.ErrInvalidPayload, "wallet must be a solana or evm address")
		return
	}

	network, err := h.network(req.Network)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	terms, tier, err := h.fac.PaywallTerms(network, req.Tier, r.URL.Path)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	header := r.Header.Get(PaymentHeader)
	if header == "" {
		writeJSON(w, http.StatusPaymentRequired, challenge.Envelope(missingPayment, terms))
		return
	}

	res, grant, err := h.fac.RedeemPaywall(r.Context(), wallet, tier.Name, terms, header)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if !res.OK {
		writeJSON(w, http.StatusPaymentRequired, reject(res, terms))
		return
	}

	h.setPaymentResponse(w, res)
	writeJSON(w, http.StatusOK, paywallResponse{
		OK:               true,
		Tier:             grant.Payment.Tier,
		ExpiresAt:        grant.Payment.ExpiresAt,
		Tx:               grant.Payment.TxReference,
		AlreadyProcessed: grant.AlreadyProcessed,
	})
}

func (h *handler) listings(w http.ResponseWriter, r *http.Request) {
	limit := h.pageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, types.ErrInvalidPayload, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	ls, err := h.fac.Market().ActiveListings(r.Context(), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if ls == nil {
		ls = []types.Listing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "listings": ls})
}

func (h *handler) listing(w http.ResponseWriter, r *http.Request) {
	l, err := h.fac.Market().Listing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handler) createListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, types.ErrInvalidPayload, "invalid request body")
		return
	}

	network, err := types.ParseNetwork(req.Network)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	priceBase := req.PriceBase
	if req.Price != "" {
		price, err := utils.ValidateAmount(req.Price)
		if err != nil {
			writeBadRequest(w, types.ErrInvalidAmount, err.Error())
			return
		}
		if priceBase, err = h.fac.Protocol().Price(network, *price); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	created, err := h.fac.Market().CreateListing(r.Context(), types.Listing{
		Seller:      strings.TrimSpace(req.Seller),
		Network:     network,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		ImageURL:    req.ImageURL,
		Kind:        types.ListingKind(req.Kind),
		Supply:      req.Supply,
		PriceBase:   priceBase,
		Mint:        req.Mint,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "listing": created})
}

func (h *handler) buy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, types.ErrInvalidPayload, "invalid request body")
		return
	}

	terms, l, err := h.fac.ListingTerms(r.Context(), chi.URLParam(r, "id"), r.URL.Path)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	buyer := strings.TrimSpace(req.Buyer)
	if err := utils.ValidateAddressForNetwork(buyer, l.Network); err != nil {
		writeBadRequest(w, types.ErrInvalidPayload, "invalid buyer: "+err.Error())
		return
	}

	header := r.Header.Get(PaymentHeader)
	if header == "" {
		if l.Remaining <= 0 {
			writeJSON(w, http.StatusConflict, soldOut{Reason: fulfillment.ReasonSoldOut})
			return
		}
		writeJSON(w, http.StatusPaymentRequired, challenge.Envelope(missingPayment, terms))
		return
	}

	res, out, err := h.fac.RedeemPurchase(r.Context(), l, buyer, req.ReceiptRef, terms, header)
	switch {
	case errors.Is(err, store.ErrSoldOut):
		writeJSON(w, http.StatusConflict, soldOut{Reason: fulfillment.ReasonSoldOut, TxReference: res.TxReference})
		return
	case err != nil:
		writeError(w, h.logger, err)
		return
	case !res.OK:
		writeJSON(w, http.StatusPaymentRequired, reject(res, terms))
		return
	}

	h.setPaymentResponse(w, res)
	writeJSON(w, http.StatusOK, buyResponse{
		OK:               true,
		Tx:               out.Purchase.TxReference,
		Purchase:         out.Purchase,
		Listing:          out.Listing,
		AlreadyProcessed: out.AlreadyProcessed,
	})
}

func (h *handler) inventory(w http.ResponseWriter, r *http.Request) {
	inv, err := h.fac.Market().Inventory(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "listed": inv.Listed, "bought": inv.Bought})
}

// network parses name, defaulting to the first configured network.
func (h *handler) network(name string) (types.Network, error) {
	if strings.TrimSpace(name) == "" {
		if ns := h.fac.Networks(); len(ns) > 0 {
			return ns[0], nil
		}
	}
	return types.ParseNetwork(name)
}

func (h *handler) setPaymentResponse(w http.ResponseWriter, res *types.VerificationResult) {
	data, err := utils.SerializeVerificationResult(res)
	if err != nil {
		h.logger.Warn("encode payment response", map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set(PaymentResponseHeader, base64.StdEncoding.EncodeToString(data))
}

func reject(res *types.VerificationResult, terms types.PaymentRequirements) rejection {
	return rejection{
		X402Response: challenge.Envelope(string(res.Reason), terms),
		Reason:       res.Reason,
		TxReference:  res.TxReference,
		Expected:     res.Expected,
		Got:          res.Got,
	}
}

func validWallet(addr string) bool {
	return utils.ValidateAddressForNetwork(addr, types.NetworkSolana) == nil ||
		utils.ValidateAddressForNetwork(addr, types.NetworkBase) == nil
}
