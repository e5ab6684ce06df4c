package mint

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/provablegbp/crypto"
	"github.com/elnosh/provablegbp/mint/storage"
	"github.com/elnosh/provablegbp/pgbp"
	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
)

const (
	// allowed difference between the signed timestamp and the server clock
	MaxTimestampSkew = 5 * time.Minute

	// a nonce only needs to be remembered while its timestamp is accepted
	nonceTTL      = 2*MaxTimestampSkew + time.Minute
	maxSeenNonces = 1 << 18

	limiterTTL  = 10 * time.Minute
	maxLimiters = 10_000

	maxBodySize       = 64 * 1024
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type MintServer struct {
	httpServer       *http.Server
	mint             *Mint
	websocketManager *WebsocketManager
	limiter          *ipRateLimiter
	nonces           *replayGuard
}

func (ms *MintServer) Start() error {
	ms.mint.logInfof("mint server listening on: %v", ms.httpServer.Addr)
	err := ms.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (ms *MintServer) Shutdown() error {
	ms.mint.logInfof("starting shutdown of mint server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ms.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	ms.websocketManager.close()
	return ms.mint.Shutdown()
}

// Handler returns the server's router so it can be mounted elsewhere.
func (ms *MintServer) Handler() http.Handler {
	return ms.httpServer.Handler
}

func SetupMintServer(m *Mint, config Config) *MintServer {
	mintServer := &MintServer{mint: m, nonces: newReplayGuard(maxSeenNonces, nonceTTL)}
	if config.RateLimit > 0 {
		mintServer.limiter = newIPRateLimiter(rate.Limit(config.RateLimit), int(config.RateLimit)+1)
	}
	mintServer.websocketManager = NewWebSocketManager(m)
	mintServer.setupHttpServer(config.Port)
	return mintServer
}

func (ms *MintServer) setupHttpServer(port string) {
	r := mux.NewRouter()
	r.Use(ms.metricsMiddleware)
	if ms.limiter != nil {
		r.Use(ms.rateLimitMiddleware)
	}

	r.HandleFunc("/v1/info", ms.getInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/publickey", ms.getPublicKey).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/request", ms.postMintRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/request/{id}", ms.getMintRequest).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/auth", ms.postAuthRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/grant", ms.postAuthGranted).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/complete", ms.postPaymentComplete).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint", ms.postMint).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/pause", ms.postPause).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/unpause", ms.postUnpause).Methods(http.MethodPost)
	r.HandleFunc("/v1/balance/{account}", ms.getBalance).Methods(http.MethodGet)
	r.HandleFunc("/v1/supply", ms.getTotalSupply).Methods(http.MethodGet)
	r.HandleFunc("/v1/events", ms.getEvents).Methods(http.MethodGet)
	r.HandleFunc("/v1/ws", ms.websocketManager.serveWS)
	r.Handle("/metrics", ms.mint.metrics.handler()).Methods(http.MethodGet)

	if len(port) == 0 {
		port = "3338"
	}
	ms.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (ms *MintServer) writeResponse(rw http.ResponseWriter, req *http.Request, response any, errMsg string) {
	jsonRes, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, pgbp.StandardErr)
		ms.mint.logErrorf("%v: %v", errMsg, err)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Write(jsonRes)
}

// errResponse extracts the protocol error, if any, from err.
func errResponse(err error) (pgbp.Error, bool) {
	var ptrErr *pgbp.Error
	if errors.As(err, &ptrErr) {
		return *ptrErr, true
	}
	var valErr pgbp.Error
	if errors.As(err, &valErr) {
		return valErr, true
	}
	return pgbp.Error{}, false
}

func statusCode(code pgbp.ErrCode) int {
	switch code {
	case pgbp.NotFoundErrCode:
		return http.StatusNotFound
	case pgbp.UnauthorizedErrCode, pgbp.InvalidSignatureErrCode:
		return http.StatusForbidden
	case pgbp.InvalidTransitionErrCode, pgbp.PausedErrCode, pgbp.ExpiredErrCode:
		return http.StatusConflict
	case pgbp.StandardErrCode, pgbp.DBErrCode, pgbp.ChannelErrCode:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func (ms *MintServer) writeErr(rw http.ResponseWriter, req *http.Request, err error) {
	protocolErr, ok := errResponse(err)
	if !ok {
		protocolErr = *pgbp.BuildError(err.Error(), pgbp.StandardErrCode)
	}

	code := protocolErr.Code
	// internal errors are logged but not returned in the response
	if code == pgbp.DBErrCode || code == pgbp.ChannelErrCode || !ok {
		ms.mint.logErrorf("error handling %v %v: %v", req.Method, req.URL.Path, protocolErr.Detail)
		protocolErr = pgbp.StandardErr
	} else {
		ms.mint.logDebugf("returning error for %v %v: %v", req.Method, req.URL.Path, protocolErr.Detail)
	}

	jsonErr, _ := json.Marshal(protocolErr)
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCode(protocolErr.Code))
	rw.Write(jsonErr)
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	ct := req.Header.Get("Content-Type")
	if ct != "" {
		mediaType := strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
		if mediaType != "application/json" {
			return pgbp.BuildError("Content-Type header is not application/json", pgbp.StandardErrCode)
		}
	}

	dec := json.NewDecoder(io.LimitReader(req.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		switch {
		case errors.As(err, &syntaxErr):
			msg := fmt.Sprintf("bad json at %d", syntaxErr.Offset)
			return pgbp.BuildError(msg, pgbp.StandardErrCode)
		case errors.As(err, &typeErr):
			msg := fmt.Sprintf("invalid %v for field %q", typeErr.Value, typeErr.Field)
			return pgbp.BuildError(msg, pgbp.StandardErrCode)
		case errors.Is(err, io.EOF):
			return pgbp.EmptyBodyErr
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			invalidField := strings.TrimPrefix(err.Error(), "json: unknown field ")
			msg := fmt.Sprintf("Request body contains unknown field %s", invalidField)
			return pgbp.BuildError(msg, pgbp.StandardErrCode)
		default:
			return pgbp.BuildError(err.Error(), pgbp.StandardErrCode)
		}
	}

	return nil
}

// verifyCaller checks that the request was signed by auth.Caller recently
// and that its nonce was not used before. The nonce is only spent once the
// signature checks out.
func (ms *MintServer) verifyCaller(auth pgbp.CallerAuth, msg []byte) error {
	signedAt := time.Unix(auth.Timestamp, 0)
	now := ms.mint.now()
	if signedAt.Before(now.Add(-MaxTimestampSkew)) || signedAt.After(now.Add(MaxTimestampSkew)) {
		return pgbp.StaleTimestampErr
	}
	if !validNonce(auth.Nonce) {
		return pgbp.InvalidNonceErr
	}
	caller := crypto.NormalizeIdentity(auth.Caller)
	if err := crypto.VerifySignature(caller, auth.Signature, msg); err != nil {
		return pgbp.InvalidSignatureErr
	}
	if !ms.nonces.use(caller, auth.Nonce) {
		return pgbp.ReplayedRequestErr
	}
	return nil
}

func validNonce(nonce string) bool {
	if len(nonce) == 0 || len(nonce) > pgbp.MaxNonceLength {
		return false
	}
	return strings.Trim(nonce, "0123456789abcdefABCDEF") == ""
}

// replayGuard remembers the nonces of accepted signed requests.
type replayGuard struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

func newReplayGuard(size int, ttl time.Duration) *replayGuard {
	return &replayGuard{seen: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// use reports whether nonce was unused by caller and marks it used.
func (g *replayGuard) use(caller, nonce string) bool {
	key := caller + ":" + strings.ToLower(nonce)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen.Contains(key) {
		return false
	}
	g.seen.Add(key, struct{}{})
	return true
}

func mintRequestResponse(request storage.MintRequest) pgbp.MintRequestResponse {
	return pgbp.MintRequestResponse{
		Id:         request.Id,
		Requester:  request.Requester,
		Amount:     request.Amount.Dec(),
		Expiration: request.Expiration,
		Status:     request.Status,
		CreatedAt:  request.CreatedAt,
	}
}

func (ms *MintServer) getInfo(rw http.ResponseWriter, req *http.Request) {
	info, err := ms.mint.Info()
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, info, "error writing info response")
}

func (ms *MintServer) getPublicKey(rw http.ResponseWriter, req *http.Request) {
	response := pgbp.PublicKeyResponse{PublicKey: ms.mint.PublicKey()}
	ms.writeResponse(rw, req, response, "error writing public key response")
}

func (ms *MintServer) postMintRequest(rw http.ResponseWriter, req *http.Request) {
	var mintReq pgbp.PostMintRequestRequest
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	if err := ms.verifyCaller(mintReq.CallerAuth, mintReq.Message()); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	amount, err := uint256.FromDecimal(mintReq.Amount)
	if err != nil {
		ms.writeErr(rw, req, pgbp.InvalidAmountErr)
		return
	}

	request, err := ms.mint.MintRequest(mintReq.Caller, amount, mintReq.EncryptedData)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, mintRequestResponse(request), "error writing mint request response")
}

func (ms *MintServer) getMintRequest(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	request, err := ms.mint.GetMintRequest(vars["id"])
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, mintRequestResponse(request), "error writing mint request response")
}

func (ms *MintServer) postAuthRequest(rw http.ResponseWriter, req *http.Request) {
	var authReq pgbp.PostAuthRequestRequest
	if err := decodeJsonReqBody(req, &authReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	if err := ms.verifyCaller(authReq.CallerAuth, authReq.Message()); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	request, err := ms.mint.AuthRequest(authReq.Caller, authReq.Id, authReq.EncryptedData)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, mintRequestResponse(request), "error writing auth request response")
}

func (ms *MintServer) postAuthGranted(rw http.ResponseWriter, req *http.Request) {
	var grantReq pgbp.PostAuthGrantedRequest
	if err := decodeJsonReqBody(req, &grantReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	if err := ms.verifyCaller(grantReq.CallerAuth, grantReq.Message()); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	request, err := ms.mint.AuthGranted(grantReq.Caller, grantReq.Id, grantReq.EncryptedData)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, mintRequestResponse(request), "error writing auth granted response")
}

func (ms *MintServer) postPaymentComplete(rw http.ResponseWriter, req *http.Request) {
	var completeReq pgbp.PostPaymentCompleteRequest
	if err := decodeJsonReqBody(req, &completeReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	if err := ms.verifyCaller(completeReq.CallerAuth, completeReq.Message()); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	request, minted, err := ms.mint.PaymentComplete(completeReq.Caller, completeReq.Id)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := pgbp.PaymentCompleteResponse{
		MintRequestResponse: mintRequestResponse(request),
		Minted:              minted.Dec(),
	}
	ms.writeResponse(rw, req, response, "error writing payment complete response")
}

// postMint is the direct mint entrypoint. It always fails.
func (ms *MintServer) postMint(rw http.ResponseWriter, req *http.Request) {
	ms.writeErr(rw, req, ms.mint.Mint("", "", nil))
}

func (ms *MintServer) postPause(rw http.ResponseWriter, req *http.Request) {
	ms.handlePause(rw, req, pgbp.PauseOp)
}

func (ms *MintServer) postUnpause(rw http.ResponseWriter, req *http.Request) {
	ms.handlePause(rw, req, pgbp.UnpauseOp)
}

func (ms *MintServer) handlePause(rw http.ResponseWriter, req *http.Request, op pgbp.Operation) {
	var pauseReq pgbp.PostPauseRequest
	if err := decodeJsonReqBody(req, &pauseReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	if err := ms.verifyCaller(pauseReq.CallerAuth, pauseReq.Message(op)); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	var err error
	if op == pgbp.PauseOp {
		err = ms.mint.Pause(pauseReq.Caller)
	} else {
		err = ms.mint.Unpause(pauseReq.Caller)
	}
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, pgbp.PauseResponse{Paused: ms.mint.Paused()}, "error writing pause response")
}

func (ms *MintServer) getBalance(rw http.ResponseWriter, req *http.Request) {
	account := crypto.NormalizeIdentity(mux.Vars(req)["account"])
	balance, err := ms.mint.BalanceOf(account)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := pgbp.BalanceResponse{Account: account, Balance: balance.Dec()}
	ms.writeResponse(rw, req, response, "error writing balance response")
}

func (ms *MintServer) getTotalSupply(rw http.ResponseWriter, req *http.Request) {
	supply, err := ms.mint.TotalSupply()
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := pgbp.BalanceResponse{Balance: supply.Dec()}
	ms.writeResponse(rw, req, response, "error writing total supply response")
}

func (ms *MintServer) getEvents(rw http.ResponseWriter, req *http.Request) {
	filter, err := parseEventFilter(req)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	events, err := ms.mint.Events(filter)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, pgbp.GetEventsResponse{Events: events}, "error writing events response")
}

// parseEventFilter reads from, requester, id, kind and limit query params.
// kind may be repeated or comma separated.
func parseEventFilter(req *http.Request) (pgbp.EventFilter, error) {
	query := req.URL.Query()
	filter := pgbp.EventFilter{
		Requester: crypto.NormalizeIdentity(query.Get("requester")),
		RequestId: query.Get("id"),
		Limit:     defaultEventLimit,
	}

	if from := query.Get("from"); len(from) > 0 {
		fromSeq, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			return pgbp.EventFilter{}, pgbp.BuildError("invalid 'from' parameter", pgbp.StandardErrCode)
		}
		filter.FromSeq = fromSeq
	}

	if limit := query.Get("limit"); len(limit) > 0 {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return pgbp.EventFilter{}, pgbp.BuildError("invalid 'limit' parameter", pgbp.StandardErrCode)
		}
		filter.Limit = min(n, maxEventLimit)
	}

	for _, kinds := range query["kind"] {
		for _, kind := range strings.Split(kinds, ",") {
			eventKind := pgbp.StringToEventKind(strings.TrimSpace(kind))
			if eventKind == pgbp.UnknownEvent {
				msg := fmt.Sprintf("invalid event kind '%v'", kind)
				return pgbp.EventFilter{}, pgbp.BuildError(msg, pgbp.StandardErrCode)
			}
			filter.Kinds = append(filter.Kinds, eventKind)
		}
	}

	return filter, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack is needed by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (ms *MintServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		next.ServeHTTP(recorder, req)

		route := req.URL.Path
		if current := mux.CurrentRoute(req); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		ms.mint.metrics.observeHTTP(route, recorder.status, started)
	})
}

func (ms *MintServer) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		if !ms.limiter.allow(host) {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusTooManyRequests)
			jsonErr, _ := json.Marshal(pgbp.BuildError("rate limit exceeded", pgbp.StandardErrCode))
			rw.Write(jsonErr)
			return
		}
		next.ServeHTTP(rw, req)
	})
}

// ipRateLimiter keeps a token bucket per client ip. Buckets of idle ips
// expire, and the least recently used are evicted past maxLimiters.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newIPRateLimiter(limit rate.Limit, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxLimiters, nil, limiterTTL),
		limit:    limit,
		burst:    burst,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
	}
	// re-adding refreshes the bucket's expiry
	l.limiters.Add(ip, limiter)
	l.mu.Unlock()
	return limiter.Allow()
}
