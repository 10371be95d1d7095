// Package rpc implements the JSON-RPC 2.0 API of the invites daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-invites/config"
	"github.com/Klingon-tech/klingnet-invites/internal/feed"
	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/invites"
	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
	"github.com/Klingon-tech/klingnet-invites/internal/log"
	"github.com/Klingon-tech/klingnet-invites/internal/notify"
	"github.com/Klingon-tech/klingnet-invites/internal/p2p"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// Accounts lists the ledger accounts this node can sign for.
type Accounts interface {
	Accounts() []common.Address
	HasAccount(addr common.Address) bool
}

// FeedStore reads and writes feed values.
type FeedStore interface {
	feed.Reader
	feed.Writer
}

// Backend is everything the handlers reach into. Nil members disable the
// methods that need them.
type Backend struct {
	Store       *identity.Store
	Machine     *invites.StateMachine
	Coordinator *invites.Coordinator
	Ledger      ledger.Gateway
	Contracts   ledger.ContractTable
	Feeds       FeedStore
	Notifier    *notify.Notifier
	Accounts    Accounts
	P2P         *p2p.Node
	Bridge      *invites.Bridge
}

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr        string
	b           Backend
	events      *EventLog
	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
	corsOrigins []string     // Empty = no CORS headers.
	started     time.Time
}

// New creates an RPC server. A zero-value RPCConfig allows all IPs and
// disables CORS. When the backend has a notifier, its events are buffered
// for invites_events.
func New(addr string, b Backend, rpcCfg ...config.RPCConfig) *Server {
	s := &Server{
		addr:    addr,
		b:       b,
		logger:  log.RPC,
		started: time.Now(),
	}
	if len(rpcCfg) > 0 {
		s.allowedNets = parseAllowedIPs(rpcCfg[0].AllowedIPs)
		s.corsOrigins = rpcCfg[0].CORSOrigins
	}
	if b.Notifier != nil {
		s.events = NewEventLog(DefaultEventLogSize)
		s.events.Follow(b.Notifier)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No write timeout: invite sends block until mined or the mined
		// timeout expires.
	}
	return s
}

// parseAllowedIPs converts IP and CIDR entries into networks. Bad entries
// are skipped.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("RPC server listening")
	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down and stops buffering events.
func (s *Server) Stop() error {
	if s.events != nil {
		s.events.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedNets) > 0 {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip := net.ParseIP(host)
		if ip == nil || !s.isIPAllowed(ip) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	s.setCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	if rpcErr != nil {
		s.logger.Debug().Str("method", req.Method).Int("code", rpcErr.Code).Str("error", rpcErr.Message).Msg("RPC call failed")
		writeJSON(w, Response{JSONRPC: "2.0", Error: rpcErr, ID: req.ID})
		return
	}
	writeJSON(w, Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

type handlerFunc func(ctx context.Context, req *Request) (interface{}, *Error)

func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	var h handlerFunc
	switch req.Method {
	case "node_info":
		h = s.handleNodeInfo
	case "net_getPeerInfo":
		h = s.handleNetGetPeerInfo
	case "net_getBanList":
		h = s.handleNetGetBanList
	case "wallet_accounts":
		h = s.handleWalletAccounts
	case "identity_createUser":
		h = s.handleIdentityCreateUser
	case "identity_listUsers":
		h = s.handleIdentityListUsers
	case "identity_addContact":
		h = s.handleIdentityAddContact
	case "invites_list":
		h = s.handleInvitesList
	case "invites_txDetails":
		h = s.handleInvitesTxDetails
	case "invites_gasValues":
		h = s.handleInvitesGasValues
	case "invites_checkAllowance":
		h = s.handleInvitesCheckAllowance
	case "invites_sendApproval":
		h = s.handleInvitesSendApproval
	case "invites_send":
		h = s.handleInvitesSend
	case "invites_accept":
		h = s.handleInvitesAccept
	case "invites_recordSignature":
		h = s.handleInvitesRecordSignature
	case "invites_decline":
		h = s.handleInvitesDecline
	case "invites_retrieveStake":
		h = s.handleInvitesRetrieveStake
	case "invites_events":
		h = s.handleInvitesEvents
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
	return h(ctx, req)
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range s.corsOrigins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			allowed = true
			break
		}
	}
	if allowed {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

// parseParams unmarshals the request params into target.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}
	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

func disabled(what string) *Error {
	return &Error{Code: CodeUnavailable, Message: what + " not enabled"}
}

func invalidParam(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// toError maps engine errors onto RPC error codes.
func toError(err error) *Error {
	code := CodeInternalError
	switch {
	case errors.Is(err, invites.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, invites.ErrPrecondition):
		code = CodePrecondition
	case errors.Is(err, invites.ErrUnsupportedNetwork):
		code = CodeUnsupportedNetwork
	case errors.Is(err, invites.ErrIllegalTransition):
		code = CodePrecondition
	case errors.Is(err, invites.ErrTransactionFailed):
		code = CodeTransactionFailed
	case errors.Is(err, invites.ErrUnknownTxKind):
		code = CodeInvalidParams
	}
	return &Error{Code: code, Message: err.Error()}
}
