// Package api is the HTTP transport: chi routing, JWT auth, and request
// validation in front of the engine and store. Every handler translates
// an apperr.Error into the matching HTTP status; anything else is a
// 500 logged via zerolog.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/golang-sql/civil"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"wager-exchange/internal/apperr"
	"wager-exchange/internal/db"
	"wager-exchange/internal/engine"
	"wager-exchange/internal/model"
	"wager-exchange/internal/ws"
)

var validate = validator.New()

type Server struct {
	store      *db.Store
	manager    *engine.Manager
	hub        *ws.Hub
	secret     []byte
	tokenTTL   time.Duration
	bcryptCost int
	bookDepth  int
}

func NewServer(store *db.Store, mgr *engine.Manager, hub *ws.Hub, secret string, tokenTTL time.Duration, bcryptCost, bookDepth int) *Server {
	return &Server{
		store: store, manager: mgr, hub: hub, secret: []byte(secret),
		tokenTTL: tokenTTL, bcryptCost: bcryptCost, bookDepth: bookDepth,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	r.Get("/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/account", s.getAccount)
		r.Get("/api/account/transactions", s.listTransactions)

		r.Get("/api/markets", s.listMarkets)
		r.Get("/api/markets/{id}", s.getMarket)
		r.Get("/api/markets/{id}/book", s.getBook)
		r.Get("/api/markets/{id}/trades", s.getTrades)

		r.Post("/api/markets/{id}/orders", s.placeOrder)
		r.Get("/api/markets/{id}/orders", s.listOrders)
		r.Delete("/api/orders/{id}", s.cancelOrder)

		r.Get("/api/markets/{id}/positions/me", s.getMyPosition)
		r.Get("/api/markets/{id}/positions", s.listPositions)

		r.Post("/api/markets/{id}/mint", s.mintSet)
		r.Post("/api/markets/{id}/redeem", s.redeemSet)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/markets", s.createMarket)
			r.Post("/api/admin/markets/{id}/resolve", s.resolveMarket)
			r.Post("/api/admin/deposit", s.adminDeposit)
			r.Get("/api/admin/events", s.listEvents)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

type authReq struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req authReq
	if !decodeAndValidate(w, r, &req) {
		return
	}

	existing, _ := s.store.GetUserByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		serverErr(w, err, "hash password")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash), model.RoleUser)
	if err != nil {
		serverErr(w, err, "create user")
		return
	}

	token, err := s.makeToken(user.ID, user.Role)
	if err != nil {
		serverErr(w, err, "sign token")
		return
	}
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req authReq
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		serverErr(w, err, "get user by email")
		return
	}
	if user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	token, err := s.makeToken(user.ID, user.Role)
	if err != nil {
		serverErr(w, err, "sign token")
		return
	}
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) makeToken(userID string, role model.Role) (string, error) {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(s.tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userIDFrom(r *http.Request) string {
	uid, _ := r.Context().Value(ctxUserID).(string)
	return uid
}

// ── Account ──────────────────────────────────────────

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.store.GetAccount(r.Context(), userIDFrom(r))
	if err != nil {
		serverErr(w, err, "get account")
		return
	}
	if acct == nil {
		jsonErr(w, 404, "account not found")
		return
	}
	json200(w, acct)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 200)
	txs, err := s.store.ListTransactions(r.Context(), userIDFrom(r), limit)
	if err != nil {
		serverErr(w, err, "list transactions")
		return
	}
	json200(w, orEmpty(txs))
}

// ── Markets ──────────────────────────────────────────

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		serverErr(w, err, "list markets")
		return
	}
	json200(w, orEmpty(markets))
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	mkt, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serverErr(w, err, "get market")
		return
	}
	if mkt == nil {
		jsonErr(w, 404, "market not found")
		return
	}
	json200(w, mkt)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.manager.GetEngine(id) == nil {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	json200(w, s.manager.GetBook(id))
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trades, err := s.store.ListTrades(r.Context(), id, queryLimit(r, 50, 200))
	if err != nil {
		serverErr(w, err, "list trades")
		return
	}
	json200(w, orEmpty(trades))
}

// ── Orders ───────────────────────────────────────────

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	var req model.PlaceOrderReq
	if !decodeAndValidate(w, r, &req) {
		return
	}

	eng := s.manager.GetEngine(marketID)
	if eng == nil {
		jsonErr(w, 404, "engine not running for this market")
		return
	}

	result, err := eng.PlaceOrder(r.Context(), userIDFrom(r), req)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	json200(w, result)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	uid := userIDFrom(r)

	order, err := s.store.GetOrder(r.Context(), orderID)
	if err != nil {
		serverErr(w, err, "get order")
		return
	}
	if order == nil {
		jsonErr(w, 404, "order not found")
		return
	}

	eng := s.manager.GetEngine(order.MarketID)
	if eng == nil {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	if err := eng.CancelOrder(r.Context(), orderID, uid); err != nil {
		writeEngineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "canceled"})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.GetUserOrders(r.Context(), chi.URLParam(r, "id"), userIDFrom(r))
	if err != nil {
		serverErr(w, err, "list orders")
		return
	}
	json200(w, orEmpty(orders))
}

// ── Positions ────────────────────────────────────────

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serverErr(w, err, "list positions")
		return
	}
	json200(w, orEmpty(positions))
}

func (s *Server) getMyPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.store.GetPosition(r.Context(), chi.URLParam(r, "id"), userIDFrom(r))
	if err != nil {
		serverErr(w, err, "get position")
		return
	}
	json200(w, pos)
}

// ── Mint / Redeem ────────────────────────────────────

type setReq struct {
	Qty int `json:"qty" validate:"required,min=1"`
}

func (s *Server) mintSet(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	var req setReq
	if !decodeAndValidate(w, r, &req) {
		return
	}
	eng := s.manager.GetEngine(marketID)
	if eng == nil {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	if err := eng.MintSet(userIDFrom(r), req.Qty); err != nil {
		writeEngineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "minted"})
}

func (s *Server) redeemSet(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	var req setReq
	if !decodeAndValidate(w, r, &req) {
		return
	}
	eng := s.manager.GetEngine(marketID)
	if eng == nil {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	if err := eng.RedeemSet(userIDFrom(r), req.Qty); err != nil {
		writeEngineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "redeemed"})
}

// ── Admin ────────────────────────────────────────────

type createMarketReq struct {
	Slug        string `json:"slug" validate:"required"`
	Title       string `json:"title" validate:"required"`
	Description string `json:"description"`
	CloseDate   string `json:"close_date"` // YYYY-MM-DD, optional
}

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketReq
	if !decodeAndValidate(w, r, &req) {
		return
	}

	closeDate, err := parseCloseDate(req.CloseDate)
	if err != nil {
		jsonErr(w, 400, "close_date must be YYYY-MM-DD")
		return
	}

	mkt, err := s.store.CreateMarket(r.Context(), req.Slug, req.Title, req.Description, closeDate)
	if err != nil {
		serverErr(w, err, "create market")
		return
	}
	if err := s.manager.StartEngine(r.Context(), mkt.ID); err != nil {
		log.Error().Err(err).Str("market_id", mkt.ID).Msg("failed to start engine")
	}
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(mkt)
}

type resolveReq struct {
	ResolvesTo model.Contract `json:"resolves_to" validate:"required,oneof=YES NO"`
}

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	var req resolveReq
	if !decodeAndValidate(w, r, &req) {
		return
	}
	eng := s.manager.GetEngine(marketID)
	if eng == nil {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	if err := eng.SettleMarket(req.ResolvesTo); err != nil {
		writeEngineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "resolved", "resolves_to": string(req.ResolvesTo)})
}

type depositReq struct {
	UserID string `json:"user_id" validate:"required"`
	Cents  int64  `json:"cents" validate:"required,min=1"`
}

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositReq
	if !decodeAndValidate(w, r, &req) {
		return
	}
	acct, err := s.store.DepositAccount(r.Context(), req.UserID, req.Cents)
	if err != nil {
		serverErr(w, err, "deposit account")
		return
	}
	json200(w, acct)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 500)
	var mp *string
	if marketID := r.URL.Query().Get("market_id"); marketID != "" {
		mp = &marketID
	}
	events, err := s.store.ListEvents(r.Context(), mp, limit)
	if err != nil {
		serverErr(w, err, "list events")
		return
	}
	json200(w, orEmpty(events))
}

// ── Helpers ──────────────────────────────────────────

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		jsonErr(w, 400, "invalid json")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		jsonErr(w, 400, err.Error())
		return false
	}
	return true
}

func queryLimit(r *http.Request, def, max int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= max {
		return n
	}
	return def
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func serverErr(w http.ResponseWriter, err error, context string) {
	log.Error().Err(err).Str("context", context).Msg("internal error")
	jsonErr(w, 500, "internal error")
}

// writeEngineErr maps an apperr.Error to its HTTP status; anything else
// is an unexpected infra fault.
func writeEngineErr(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := 400
	switch code {
	case apperr.MarketNotFound, apperr.OrderNotFound:
		status = 404
	case apperr.Unauthorized:
		status = 403
	case apperr.Internal:
		status = 500
	}
	if status == 500 {
		serverErr(w, err, "engine command")
		return
	}
	jsonErr(w, status, err.Error())
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// parseCloseDate parses an optional YYYY-MM-DD close date. An empty
// string means the market never closes on a calendar date.
func parseCloseDate(s string) (*civil.Date, error) {
	if s == "" {
		return nil, nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
