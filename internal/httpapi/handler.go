package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/bridge"
	"github.com/juno-intents/harmonize-bridge/internal/ledger"
	"github.com/juno-intents/harmonize-bridge/internal/link"
	"github.com/juno-intents/harmonize-bridge/internal/owner"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
	"golang.org/x/time/rate"
)

// CallerHeader carries the authenticated caller principal, set by the fronting gateway.
const CallerHeader = "X-Caller-Principal"

const defaultListLimit = 100

type Service interface {
	BalanceOf(ctx context.Context, account principal.Principal, chainID uint64, asset common.Address) (*big.Int, error)
	Transfer(ctx context.Context, caller, from, to principal.Principal, chainID uint64, asset common.Address, amount *big.Int) error
	Withdraw(ctx context.Context, caller principal.Principal, req bridge.WithdrawRequest) (ledger.Withdrawal, error)
	GetWithdrawal(ctx context.Context, id string) (ledger.Withdrawal, error)
	ListWithdrawals(ctx context.Context, state ledger.WithdrawalState, limit int) ([]ledger.Withdrawal, error)
	ResolveWithdrawal(ctx context.Context, caller principal.Principal, id string, r bridge.Resolution) (ledger.Withdrawal, error)

	SignInChallenge(ctx context.Context, addr common.Address) (string, error)
	SignIn(ctx context.Context, caller principal.Principal, addr common.Address, sig []byte) error
	HasAccess(ctx context.Context, p principal.Principal, addr common.Address) (bool, error)
	LinkedAddresses(ctx context.Context, p principal.Principal) ([]common.Address, error)

	GetOwner(ctx context.Context) (principal.Principal, error)
	SetOwner(ctx context.Context, caller, next principal.Principal) error

	Chains() []uint64
	ChainInfo(ctx context.Context, chainID uint64) (bridge.ChainInfo, error)
	SetNetworkConfig(ctx context.Context, caller principal.Principal, chainID uint64, nc bridge.NetworkConfig) error
	BridgeAddress(chainID uint64) (common.Address, error)
}

var _ Service = (*bridge.Service)(nil)

type Config struct {
	// AuthToken enables bearer-token auth on every /v1 request when set.
	AuthToken string

	// MaxBodyBytes limits request sizes. Defaults to 64 KiB.
	MaxBodyBytes int64

	// RateLimit is the per-client-IP request rate. Zero disables limiting.
	RateLimit rate.Limit
	RateBurst int

	// Metrics, when set, is served at GET /metrics.
	Metrics http.Handler

	Logger *slog.Logger
}

type handler struct {
	svc Service
	cfg Config
	log *slog.Logger
}

func NewHandler(svc Service, cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &handler{svc: svc, cfg: cfg, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.HandleFunc("GET /v1/balances/{account}/{chain}/{asset}", h.authed(h.balance))
	mux.HandleFunc("POST /v1/transfers", h.authed(h.transfer))
	mux.HandleFunc("POST /v1/withdrawals", h.authed(h.withdraw))
	mux.HandleFunc("GET /v1/withdrawals", h.authed(h.listWithdrawals))
	mux.HandleFunc("GET /v1/withdrawals/{id}", h.authed(h.getWithdrawal))
	mux.HandleFunc("POST /v1/withdrawals/{id}/resolve", h.authed(h.resolveWithdrawal))
	mux.HandleFunc("POST /v1/sign-in/challenge", h.authed(h.challenge))
	mux.HandleFunc("POST /v1/sign-in/signature", h.authed(h.signIn))
	mux.HandleFunc("GET /v1/access", h.authed(h.access))
	mux.HandleFunc("GET /v1/links/{principal}", h.authed(h.links))
	mux.HandleFunc("GET /v1/owner", h.authed(h.getOwner))
	mux.HandleFunc("POST /v1/owner", h.authed(h.setOwner))
	mux.HandleFunc("GET /v1/chains", h.authed(h.chains))
	mux.HandleFunc("GET /v1/chains/{chain}", h.authed(h.chain))
	mux.HandleFunc("PUT /v1/chains/{chain}/config", h.authed(h.setChainConfig))
	mux.HandleFunc("GET /v1/bridge-address", h.authed(h.bridgeAddress))

	if cfg.RateLimit <= 0 {
		return mux
	}
	return newIPLimiter(cfg.RateLimit, cfg.RateBurst).wrap(mux)
}

func (h *handler) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	account, err := principal.Parse(r.PathValue("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_account")
		return
	}
	chainID, ok := parseChainID(r.PathValue("chain"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_chain_id")
		return
	}
	asset, err := ledger.ParseAsset(r.PathValue("asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_asset")
		return
	}
	amount, err := h.svc.BalanceOf(r.Context(), account, chainID, asset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"amount": amount.String()})
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	from, err1 := principal.Parse(req.From)
	to, err2 := principal.Parse(req.To)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid_account")
		return
	}
	asset, err := ledger.ParseAsset(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_asset")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	if err := h.svc.Transfer(r.Context(), caller, from, to, req.ChainID, asset, amount); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if !h.decode(w, r, &req) {
		return
	}
	account, err := principal.Parse(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_account")
		return
	}
	if !common.IsHexAddress(req.Destination) {
		writeError(w, http.StatusBadRequest, "invalid_destination")
		return
	}
	asset, err := ledger.ParseAsset(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_asset")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	wd, err := h.svc.Withdraw(r.Context(), caller, bridge.WithdrawRequest{
		Account:     account,
		Destination: common.HexToAddress(req.Destination),
		ChainID:     req.ChainID,
		Asset:       asset,
		Amount:      amount,
	})
	if err != nil {
		if errors.Is(err, bridge.ErrSubmissionFailed) && wd.ID != "" {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":      "submission_failed",
				"withdrawal": withdrawalToJSON(wd),
			})
			return
		}
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalToJSON(wd))
}

func (h *handler) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.svc.GetWithdrawal(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalToJSON(wd))
}

func (h *handler) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state, err := ledger.ParseWithdrawalState(q.Get("state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_state")
		return
	}
	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}
	list, err := h.svc.ListWithdrawals(r.Context(), state, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]withdrawalResponse, 0, len(list))
	for _, wd := range list {
		out = append(out, withdrawalToJSON(wd))
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": out})
}

func (h *handler) resolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	res := bridge.Resolution{Reason: req.Reason}
	switch req.Outcome {
	case "sent":
		if len(strings.TrimPrefix(req.TxHash, "0x")) != 64 {
			writeError(w, http.StatusBadRequest, "invalid_tx_hash")
			return
		}
		res.Sent = true
		res.TxHash = common.HexToHash(req.TxHash)
	case "refund":
	default:
		writeError(w, http.StatusBadRequest, "invalid_outcome")
		return
	}
	wd, err := h.svc.ResolveWithdrawal(r.Context(), caller, r.PathValue("id"), res)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalToJSON(wd))
}

func (h *handler) challenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	text, err := h.svc.SignInChallenge(r.Context(), common.HexToAddress(req.Address))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenge": text})
}

func (h *handler) signIn(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req signatureRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	sig, err := link.ParseSignature(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_signature")
		return
	}
	if err := h.svc.SignIn(r.Context(), caller, common.HexToAddress(req.Address), sig); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *handler) access(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := principal.Parse(q.Get("principal"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_principal")
		return
	}
	if !common.IsHexAddress(q.Get("address")) {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	ok, err := h.svc.HasAccess(r.Context(), p, common.HexToAddress(q.Get("address")))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"has_access": ok})
}

func (h *handler) links(w http.ResponseWriter, r *http.Request) {
	p, err := principal.Parse(r.PathValue("principal"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_principal")
		return
	}
	addrs, err := h.svc.LinkedAddresses(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal": p.Hex(), "addresses": out})
}

func (h *handler) getOwner(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetOwner(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": o.Hex()})
}

func (h *handler) setOwner(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req ownerRequest
	if !h.decode(w, r, &req) {
		return
	}
	next, err := principal.Parse(req.NewOwner)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_principal")
		return
	}
	if err := h.svc.SetOwner(r.Context(), caller, next); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": next.Hex()})
}

func (h *handler) chains(w http.ResponseWriter, r *http.Request) {
	ids := h.svc.Chains()
	out := make([]chainResponse, 0, len(ids))
	for _, id := range ids {
		info, err := h.svc.ChainInfo(r.Context(), id)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		out = append(out, chainToJSON(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chains": out})
}

func (h *handler) chain(w http.ResponseWriter, r *http.Request) {
	chainID, ok := parseChainID(r.PathValue("chain"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_chain_id")
		return
	}
	info, err := h.svc.ChainInfo(r.Context(), chainID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chainToJSON(info))
}

func (h *handler) setChainConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	chainID, ok := parseChainID(r.PathValue("chain"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_chain_id")
		return
	}
	var req networkConfigJSON
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.SetNetworkConfig(r.Context(), caller, chainID, networkConfigFromJSON(req)); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handler) bridgeAddress(w http.ResponseWriter, r *http.Request) {
	chainID, ok := parseChainID(r.URL.Query().Get("chain_id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_chain_id")
		return
	}
	addr, err := h.svc.BridgeAddress(chainID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chain_id": chainID, "address": addr.Hex()})
}

func (h *handler) caller(w http.ResponseWriter, r *http.Request) (principal.Principal, bool) {
	raw := strings.TrimSpace(r.Header.Get(CallerHeader))
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing_caller")
		return principal.Principal{}, false
	}
	p, err := principal.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_caller")
		return principal.Principal{}, false
	}
	return p, true
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	// Reject trailing garbage.
	if dec.More() {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "code", code, "err", err)
	}
	writeError(w, status, code)
}

// classify maps service errors to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, ledger.ErrAmountOverflow):
		return http.StatusConflict, "amount_overflow"
	case errors.Is(err, bridge.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, bridge.ErrDestinationNotLinked):
		return http.StatusForbidden, "destination_not_linked"
	case errors.Is(err, owner.ErrNoOpTransfer):
		return http.StatusConflict, "noop_transfer"
	case errors.Is(err, link.ErrBadSignature):
		return http.StatusBadRequest, "bad_signature"
	case errors.Is(err, link.ErrNoChallenge):
		return http.StatusConflict, "no_challenge"
	case errors.Is(err, bridge.ErrSubmissionFailed):
		return http.StatusBadGateway, "submission_failed"
	case errors.Is(err, bridge.ErrUnknownChain):
		return http.StatusNotFound, "unknown_chain"
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, link.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, link.ErrInvalidInput),
		errors.Is(err, owner.ErrInvalidInput), errors.Is(err, bridge.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		// Avoid leaking internal details.
		return http.StatusInternalServerError, "internal"
	}
}

func parseChainID(s string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, false
	}
	return v, true
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	// Conservative parsing: exact "Bearer <token>" with single space.
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got == wantToken
}
