package rpc

import (
	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/notify"
	"github.com/Klingon-tech/klingnet-invites/internal/p2p"
)

// JSON-RPC 2.0 error codes. Codes above -32000 are application errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotFound           = -32000
	CodePrecondition       = -32001
	CodeUnsupportedNetwork = -32002
	CodeTransactionFailed  = -32003
	CodeUnavailable        = -32004
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// UserParam selects an own user.
type UserParam struct {
	UserID string `json:"user_id"`
}

// ContactParam selects one of a user's contacts.
type ContactParam struct {
	UserID    string `json:"user_id"`
	ContactID string `json:"contact_id"`
}

// PeerParam selects a peer from a user's point of view.
type PeerParam struct {
	UserID string `json:"user_id"`
	PeerID string `json:"peer_id"`
}

// ApprovalParam is used by invites_sendApproval. GasPrice is in wei; empty
// means the ledger's suggestion.
type ApprovalParam struct {
	UserID    string `json:"user_id"`
	ContactID string `json:"contact_id"`
	GasPrice  string `json:"gas_price,omitempty"`
}

// TxDetailsParam is used by invites_txDetails. ID is the peer ID for
// declineInvite and the contact ID for every other kind.
type TxDetailsParam struct {
	Kind   string `json:"kind"`
	UserID string `json:"user_id"`
	ID     string `json:"id"`
}

// GasValuesParam is used by invites_gasValues. GasPrice is in wei.
type GasValuesParam struct {
	Gas      uint64 `json:"gas"`
	GasPrice string `json:"gas_price"`
}

// AddressParam carries a ledger address.
type AddressParam struct {
	Address string `json:"address"`
}

// SignatureParam is used by invites_recordSignature.
type SignatureParam struct {
	UserID    string `json:"user_id"`
	ContactID string `json:"contact_id"`
	Signature string `json:"signature"`
}

// CreateUserParam is used by identity_createUser. Account must be held by
// the node wallet; empty picks the first account.
type CreateUserParam struct {
	Name    string `json:"name"`
	Account string `json:"account,omitempty"`
}

// AddContactParam is used by identity_addContact.
type AddContactParam struct {
	UserID     string `json:"user_id"`
	PublicFeed string `json:"public_feed"`
}

// EventsParam is used by invites_events.
type EventsParam struct {
	Since uint64 `json:"since"`
	Limit int    `json:"limit,omitempty"`
}

// ── Result types ────────────────────────────────────────────────────────

// NodeInfoResult is returned by node_info.
type NodeInfoResult struct {
	NetworkID     uint64   `json:"network_id"`
	NetworkName   string   `json:"network_name"`
	Supported     bool     `json:"supported"`
	LatestBlock   uint64   `json:"latest_block"`
	Users         int      `json:"users"`
	Subscriptions int      `json:"live_subscriptions"`
	PeerID        string   `json:"peer_id,omitempty"`
	Addrs         []string `json:"addrs,omitempty"`
	Peers         int      `json:"peers"`
	Uptime        int64    `json:"uptime_seconds"`
}

// PeerInfo is one entry of net_getPeerInfo.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt int64  `json:"connected_at"`
	Source      string `json:"source,omitempty"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Bans []p2p.BanRecord `json:"bans"`
}

// AccountsResult is returned by wallet_accounts.
type AccountsResult struct {
	Accounts []string `json:"accounts"`
}

// ContactResult is a contact with its peer and derived invite status.
type ContactResult struct {
	*identity.Contact
	Peer   *identity.PeerUser `json:"peer,omitempty"`
	Status string             `json:"status,omitempty"`
}

// InvitesListResult is returned by invites_list.
type InvitesListResult struct {
	Contacts []ContactResult           `json:"contacts"`
	Requests []*identity.InviteRequest `json:"requests"`
}

// AllowanceResult is returned by invites_checkAllowance.
type AllowanceResult struct {
	Sufficient bool `json:"sufficient"`
}

// TxHashResult is returned by methods that submit a transaction. The hash
// is empty when nothing needed submitting.
type TxHashResult struct {
	TxHash string `json:"tx_hash,omitempty"`
}

// EventsResult is returned by invites_events.
type EventsResult struct {
	Events []SeqEvent `json:"events"`
	Next   uint64     `json:"next"`
	// Dropped reports that events after Since were evicted before this poll.
	Dropped bool `json:"dropped,omitempty"`
}

// SeqEvent is a notification with its position in the event log.
type SeqEvent struct {
	Seq uint64 `json:"seq"`
	notify.Event
}
