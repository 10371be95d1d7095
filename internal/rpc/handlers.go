package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-invites/internal/feed"
	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/invites"
	"github.com/Klingon-tech/klingnet-invites/pkg/crypto"
)

// ── Node endpoints ──────────────────────────────────────────────────────

func (s *Server) handleNodeInfo(ctx context.Context, _ *Request) (interface{}, *Error) {
	res := &NodeInfoResult{Uptime: int64(time.Since(s.started).Seconds())}
	if s.b.Ledger != nil {
		net, err := s.b.Ledger.Network(ctx)
		if err != nil {
			return nil, toError(err)
		}
		res.NetworkID = net.ID
		res.NetworkName = net.Name
		_, res.Supported = s.b.Contracts.Lookup(net.ID)
		if res.LatestBlock, err = s.b.Ledger.LatestBlock(ctx); err != nil {
			return nil, toError(err)
		}
	}
	if s.b.Store != nil {
		users, err := s.b.Store.OwnUsers()
		if err != nil {
			return nil, toError(err)
		}
		res.Users = len(users)
	}
	if s.b.Bridge != nil {
		res.Subscriptions = s.b.Bridge.Attached()
	}
	if s.b.P2P != nil {
		res.PeerID = s.b.P2P.ID().String()
		res.Addrs = s.b.P2P.Addrs()
		res.Peers = s.b.P2P.PeerCount()
	}
	return res, nil
}

func (s *Server) handleNetGetPeerInfo(context.Context, *Request) (interface{}, *Error) {
	if s.b.P2P == nil {
		return nil, disabled("p2p")
	}
	peers := s.b.P2P.PeerList()
	res := &PeerInfoResult{Count: len(peers), Peers: make([]PeerInfo, 0, len(peers))}
	for _, p := range peers {
		res.Peers = append(res.Peers, PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.Unix(),
			Source:      p.Source,
		})
	}
	return res, nil
}

func (s *Server) handleNetGetBanList(context.Context, *Request) (interface{}, *Error) {
	if s.b.P2P == nil {
		return nil, disabled("p2p")
	}
	return &BanListResult{Bans: s.b.P2P.Bans.BanList()}, nil
}

func (s *Server) handleWalletAccounts(context.Context, *Request) (interface{}, *Error) {
	if s.b.Accounts == nil {
		return nil, disabled("wallet")
	}
	res := &AccountsResult{Accounts: []string{}}
	for _, a := range s.b.Accounts.Accounts() {
		res.Accounts = append(res.Accounts, a.Hex())
	}
	return res, nil
}

// ── Identity endpoints ──────────────────────────────────────────────────

// randomHex returns n random bytes as 0x-prefixed hex.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

func (s *Server) handleIdentityCreateUser(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.b.Store == nil || s.b.Accounts == nil {
		return nil, disabled("identity")
	}
	var params CreateUserParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, invalidParam("name is required")
	}

	var account common.Address
	switch {
	case params.Account != "":
		if !common.IsHexAddress(params.Account) {
			return nil, invalidParam("invalid account %q", params.Account)
		}
		account = common.HexToAddress(params.Account)
		if !s.b.Accounts.HasAccount(account) {
			return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("account %s not held by wallet", account.Hex())}
		}
	default:
		accts := s.b.Accounts.Accounts()
		if len(accts) == 0 {
			return nil, &Error{Code: CodeNotFound, Message: "wallet has no accounts"}
		}
		account = accts[0]
	}

	var parts [3]string
	for i, n := range []int{32, 32, 20} {
		v, err := randomHex(n)
		if err != nil {
			return nil, toError(fmt.Errorf("generate feed identity: %w", err))
		}
		parts[i] = v
	}
	feedAddr, publicKey, firstContact := parts[0], parts[1], parts[2]

	u, err := s.b.Store.CreateOwnUser(identity.OwnUser{
		Name: params.Name,
		PublicFeed: identity.PublicFeed{
			Feed:     feedAddr,
			FeedHash: crypto.Keccak256Hex([]byte(feedAddr)),
		},
		PublicKey:           publicKey,
		FirstContactAddress: firstContact,
		EthAddress:          account.Hex(),
	})
	if err != nil {
		return nil, toError(err)
	}

	if s.b.Feeds != nil {
		profile := &feed.Profile{
			Name:                u.Name,
			FirstContactAddress: u.FirstContactAddress,
			EthAddress:          u.EthAddress,
			PublicKey:           u.PublicKey,
		}
		if err := feed.PublishProfile(ctx, s.b.Feeds, u.PublicFeed.Feed, profile); err != nil {
			return nil, toError(err)
		}
	}
	s.logger.Info().Str("user", u.ID).Str("feed", u.PublicFeed.Feed).Msg("Own user created")
	return u, nil
}

func (s *Server) handleIdentityListUsers(context.Context, *Request) (interface{}, *Error) {
	if s.b.Store == nil {
		return nil, disabled("identity")
	}
	users, err := s.b.Store.OwnUsers()
	if err != nil {
		return nil, toError(err)
	}
	if users == nil {
		users = []*identity.OwnUser{}
	}
	return users, nil
}

func (s *Server) handleIdentityAddContact(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.b.Store == nil || s.b.Feeds == nil {
		return nil, disabled("identity")
	}
	var params AddContactParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.UserID == "" || params.PublicFeed == "" {
		return nil, invalidParam("user_id and public_feed are required")
	}
	if _, err := s.b.Store.OwnUser(params.UserID); err != nil {
		return nil, toError(err)
	}

	profile, err := feed.ResolveProfile(ctx, s.b.Feeds, params.PublicFeed)
	if errors.Is(err, feed.ErrNoProfile) {
		return nil, &Error{Code: CodeNotFound, Message: err.Error()}
	}
	if err != nil {
		return nil, toError(err)
	}
	peer, err := s.b.Store.AddPeer(identity.PeerUser{
		PublicFeed:          params.PublicFeed,
		FirstContactAddress: profile.FirstContactAddress,
		EthAddress:          profile.EthAddress,
		PublicKey:           profile.PublicKey,
		Name:                profile.Name,
	})
	if err != nil {
		return nil, toError(err)
	}
	c, err := s.b.Store.AddContact(params.UserID, peer.ID)
	if err != nil {
		return nil, toError(err)
	}
	return &ContactResult{Contact: c, Peer: peer, Status: c.Invite.Status()}, nil
}

// ── Invite endpoints ────────────────────────────────────────────────────

func (s *Server) handleInvitesList(_ context.Context, req *Request) (interface{}, *Error) {
	if s.b.Store == nil || s.b.Machine == nil {
		return nil, disabled("invites")
	}
	var params UserParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	requests, err := s.b.Machine.InviteRequests(params.UserID)
	if err != nil {
		return nil, toError(err)
	}
	contacts, err := s.b.Store.Contacts(params.UserID)
	if err != nil {
		return nil, toError(err)
	}

	res := &InvitesListResult{
		Contacts: make([]ContactResult, 0, len(contacts)),
		Requests: requests,
	}
	if res.Requests == nil {
		res.Requests = []*identity.InviteRequest{}
	}
	for _, c := range contacts {
		cr := ContactResult{Contact: c, Status: c.Invite.Status()}
		if p, err := s.b.Store.PeerUser(c.PeerID); err == nil {
			cr.Peer = p
		}
		res.Contacts = append(res.Contacts, cr)
	}
	return res, nil
}

func (s *Server) handleInvitesTxDetails(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.b.Coordinator == nil {
		return nil, disabled("invites")
	}
	var params TxDetailsParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	details, err := s.b.Coordinator.TxDetails(ctx, invites.TxKind(params.Kind), params.UserID, params.ID)
	if err != nil {
		return nil, toError(err)
	}
	return details, nil
}

// parseWei reads a decimal wei amount. Empty yields nil.
func parseWei(field, v string) (*big.Int, *Error) {
	if v == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, invalidParam("invalid %s %q", field, v)
	}
	return n, nil
}

func (s *Server) handleInvitesGasValues(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.b.Coordinator == nil {
		return nil, disabled("invites")
	}
	var params GasValuesParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	price, rpcErr := parseWei("gas_price", params.GasPrice)
	if rpcErr != nil {
		return nil, rpcErr
	}
	values, err := s.b.Coordinator.FormatGasValues(ctx, params.Gas, price)
	if err != nil {
		return nil, toError(err)
	}
	return values, nil
}

func (s *Server) handleInvitesCheckAllowance(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.b.Coordinator == nil {
		return nil, disabled("invites")
	}
	var params AddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(params.Address) {
		return nil, invalidParam("invalid address %q", params.Address)
	}
	ok, err := s.b.Coordinator.CheckAllowance(ctx, common.HexToAddress(params.Address))
	if err != nil {
		return nil, toError(err)
	}
	return &AllowanceResult{Sufficient: ok}, nil
}

func txHashResult(h common.Hash) *TxHashResult {
	if h == (common.Hash{}) {
		return &TxHashResult{}
	}
	return &TxHashResult{TxHash: h.Hex()}
}

func (s *Server) handleInvitesSendApproval(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.b.Coordinator == nil {
		return nil, disabled("invites")
	}
	var params ApprovalParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	price, rpcErr := parseWei("gas_price", params.GasPrice)
	if rpcErr != nil {
		return nil, rpcErr
	}
	h, err := s.b.Coordinator.SendInviteApproval(ctx, params.UserID, params.ContactID, price)
	if err != nil {
		return nil, toError(err)
	}
	return txHashResult(h), nil
}

func (s *Server) handleInvitesSend(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.b.Coordinator == nil {
		return nil, disabled("invites")
	}
	var params ContactParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	h, err := s.b.Coordinator.SendInvite(ctx, params.UserID, params.ContactID)
	if err != nil {
		return nil, toError(err)
	}
	return txHashResult(h), nil
}

func (s *Server) handleInvitesAccept(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.b.Machine == nil {
		return nil, disabled("invites")
	}
	var params PeerParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	c, err := s.b.Machine.AcceptInvite(ctx, params.UserID, params.PeerID)
	if err != nil {
		return nil, toError(err)
	}
	return &ContactResult{Contact: c, Status: c.Invite.Status()}, nil
}

func (s *Server) handleInvitesRecordSignature(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.b.Machine == nil {
		return nil, disabled("invites")
	}
	var params SignatureParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	c, err := s.b.Machine.RecordAcceptedSignature(ctx, params.UserID, params.ContactID, params.Signature)
	if err != nil {
		return nil, toError(err)
	}
	return &ContactResult{Contact: c, Status: c.Invite.Status()}, nil
}

func (s *Server) handleInvitesDecline(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.b.Coordinator == nil {
		return nil, disabled("invites")
	}
	var params PeerParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	h, err := s.b.Coordinator.DeclineContactInvite(ctx, params.UserID, params.PeerID)
	if err != nil {
		return nil, toError(err)
	}
	return txHashResult(h), nil
}

func (s *Server) handleInvitesRetrieveStake(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.b.Coordinator == nil {
		return nil, disabled("invites")
	}
	var params ContactParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	h, err := s.b.Coordinator.RetrieveStake(ctx, params.UserID, params.ContactID)
	if err != nil {
		return nil, toError(err)
	}
	return txHashResult(h), nil
}

func (s *Server) handleInvitesEvents(_ context.Context, req *Request) (interface{}, *Error) {
	if s.events == nil {
		return nil, disabled("notifications")
	}
	var params EventsParam
	if req.Params != nil {
		if err := parseParams(req, &params); err != nil {
			return nil, err
		}
	}
	events, next, dropped := s.events.Since(params.Since, params.Limit)
	if events == nil {
		events = []SeqEvent{}
	}
	return &EventsResult{Events: events, Next: next, Dropped: dropped}, nil
}
