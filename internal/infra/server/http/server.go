// Package httpserver exposes the HTTP control surface for the escrow ledger.
package httpserver

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	json "github.com/goccy/go-json"

	"github.com/coachpo/escrowd/errs"
	"github.com/coachpo/escrowd/internal/assets"
	"github.com/coachpo/escrowd/internal/bus/eventbus"
	"github.com/coachpo/escrowd/internal/escrow"
	"github.com/coachpo/escrowd/internal/guard"
	"github.com/coachpo/escrowd/internal/schema"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/v1/orders"
	orderDetailPrefix = ordersPath + "/"
	eventsPath        = "/v1/events"
	healthPath        = "/healthz"
	solvencyPath      = "/v1/solvency"
	fundPath          = "/v1/accounts/fund"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	ledger *escrow.Ledger
	guard  *guard.Guard
	bus    eventbus.Bus
	bank   *assets.Ledger
}

type createOrderPayload struct {
	Seller     string `json:"seller"`
	SellAsset  string `json:"sellAsset"`
	SellAmount string `json:"sellAmount"`
	BuyAsset   string `json:"buyAsset"`
	BuyAmount  string `json:"buyAmount"`
}

type fulfillPayload struct {
	Buyer string `json:"buyer"`
}

type cancelPayload struct {
	Caller string `json:"caller"`
}

type fundPayload struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

// NewHandler creates the HTTP handler for escrow operations. guard and bus
// may be nil; creation limits and the event feed are disabled respectively.
// A non-nil bank enables the account funding endpoint, which mints and
// authorizes balances on the in-process asset ledger; it must stay nil when
// the transfer service is anything other than a development bank.
func NewHandler(ledger *escrow.Ledger, g *guard.Guard, bus eventbus.Bus, bank *assets.Ledger) http.Handler {
	server := &httpServer{ledger: ledger, guard: g, bus: bus, bank: bank}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listOrders,
		http.MethodPost: server.createOrder,
	}))
	mux.Handle(orderDetailPrefix, http.HandlerFunc(server.handleOrder))
	mux.Handle(solvencyPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.checkSolvency,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	if bus != nil {
		mux.Handle(eventsPath, http.HandlerFunc(server.streamEvents))
	}
	if bank != nil {
		mux.Handle(fundPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodPost: server.fundAccount,
		}))
	}

	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) createOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() { _ = r.Body.Close() }()

	var payload createOrderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}

	sellAmount, err := decimal.NewFromString(strings.TrimSpace(payload.SellAmount))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sellAmount")
		return
	}
	buyAmount, err := decimal.NewFromString(strings.TrimSpace(payload.BuyAmount))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid buyAmount")
		return
	}

	if s.guard != nil {
		if err := s.guard.CheckCreate(r.Context(), sellAmount, buyAmount); err != nil {
			s.writeLedgerError(w, err)
			return
		}
	}

	order, err := s.ledger.CreateOrder(r.Context(),
		schema.AccountID(strings.TrimSpace(payload.Seller)),
		schema.AssetID(strings.TrimSpace(payload.SellAsset)), sellAmount,
		schema.AssetID(strings.TrimSpace(payload.BuyAsset)), buyAmount)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	status := schema.OrderStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	orders := s.ledger.ListOrders(status)
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}

	idText, action, hasAction := strings.Cut(rest, "/")
	id, err := strconv.ParseUint(strings.TrimSpace(idText), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		order, err := s.ledger.GetOrder(id)
		if err != nil {
			s.writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	switch strings.TrimSpace(action) {
	case "fulfill":
		s.fulfillOrder(w, r, id)
	case "cancel":
		s.cancelOrder(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) fulfillOrder(w http.ResponseWriter, r *http.Request, id uint64) {
	limitRequestBody(w, r)
	defer func() { _ = r.Body.Close() }()

	var payload fulfillPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.ledger.FulfillOrder(r.Context(), schema.AccountID(strings.TrimSpace(payload.Buyer)), id); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	order, err := s.ledger.GetOrder(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request, id uint64) {
	limitRequestBody(w, r)
	defer func() { _ = r.Body.Close() }()

	var payload cancelPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.ledger.CancelOrder(r.Context(), schema.AccountID(strings.TrimSpace(payload.Caller)), id); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	order, err := s.ledger.GetOrder(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// fundAccount mints a balance and extends the custodian's allowance by the
// same amount, so a funded account can open or fulfill orders immediately.
func (s *httpServer) fundAccount(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() { _ = r.Body.Close() }()

	var payload fundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}

	account := schema.AccountID(strings.TrimSpace(payload.Account))
	asset := schema.AssetID(strings.TrimSpace(payload.Asset))
	if account == "" || asset == "" {
		writeError(w, http.StatusBadRequest, "account and asset required")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(payload.Amount))
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal")
		return
	}

	custodian := s.bank.Custodian()
	s.bank.Mint(account, asset, amount)
	granted, err := s.bank.AuthorizedAmount(r.Context(), account, custodian, asset)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.bank.Approve(account, custodian, asset, granted.Add(amount))

	balance, err := s.bank.BalanceOf(r.Context(), account, asset)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account":    string(account),
		"asset":      string(asset),
		"balance":    balance.String(),
		"authorized": granted.Add(amount).String(),
	})
}

func (s *httpServer) checkSolvency(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.VerifySolvency(r.Context()); err != nil {
		if errs.HasCode(err, errs.CodeUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"status": "insolvent", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "solvent"})
}

// writeLedgerError maps escrow error codes onto HTTP status codes.
func (s *httpServer) writeLedgerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.CodeInvalidParams:
		status = http.StatusBadRequest
	case errs.CodeUnauthorized, errs.CodeNotOwner:
		status = http.StatusForbidden
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeNotOpen:
		status = http.StatusConflict
	case errs.CodeTransferFailed:
		status = http.StatusUnprocessableEntity
	case errs.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"status": "error",
		"code":   string(errs.CodeOf(err)),
		"error":  err.Error(),
	})
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
