package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-invites/internal/log"
)

// EthConfig configures an EthGateway.
type EthConfig struct {
	Endpoint     string
	Contracts    ContractTable
	MinedTimeout time.Duration
}

// EthGateway implements Gateway over an Ethereum JSON-RPC endpoint.
type EthGateway struct {
	client       *ethclient.Client
	signer       Signer
	contracts    ContractTable
	minedTimeout time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	chainID *big.Int
	bound   map[uint64]*boundContracts

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type boundContracts struct {
	set     ContractSet
	invites *bind.BoundContract
	token   *bind.BoundContract
}

// DefaultMinedTimeout bounds how long a submitted transaction is watched.
const DefaultMinedTimeout = 30 * time.Minute

// DialEth connects to the endpoint.
func DialEth(ctx context.Context, cfg EthConfig, signer Signer) (*EthGateway, error) {
	client, err := ethclient.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial ledger %s: %w", cfg.Endpoint, err)
	}
	if cfg.MinedTimeout <= 0 {
		cfg.MinedTimeout = DefaultMinedTimeout
	}
	gctx, cancel := context.WithCancel(context.Background())
	return &EthGateway{
		client:       client,
		signer:       signer,
		contracts:    cfg.Contracts,
		minedTimeout: cfg.MinedTimeout,
		logger:       log.Ledger,
		bound:        make(map[uint64]*boundContracts),
		ctx:          gctx,
		cancel:       cancel,
	}, nil
}

// Close stops mined watchers and closes the connection. Transactions still
// being watched fail with context.Canceled.
func (g *EthGateway) Close() {
	g.cancel()
	g.wg.Wait()
	g.client.Close()
}

// Network queries the chain ID. The result is remembered for later calls.
func (g *EthGateway) Network(ctx context.Context) (Network, error) {
	id, err := g.client.ChainID(ctx)
	if err != nil {
		return Network{}, fmt.Errorf("chain id: %w", err)
	}
	g.mu.Lock()
	g.chainID = id
	g.mu.Unlock()

	n := Network{ID: id.Uint64(), Name: fmt.Sprintf("chain-%d", id.Uint64())}
	if cs, ok := g.contracts.Lookup(n.ID); ok && cs.Name != "" {
		n.Name = cs.Name
	}
	return n, nil
}

// LatestBlock returns the current block number.
func (g *EthGateway) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := g.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

// contractsFor binds the contracts of the connected network.
func (g *EthGateway) contractsFor(ctx context.Context) (*boundContracts, *big.Int, error) {
	g.mu.Lock()
	id := g.chainID
	g.mu.Unlock()
	if id == nil {
		if _, err := g.Network(ctx); err != nil {
			return nil, nil, err
		}
		g.mu.Lock()
		id = g.chainID
		g.mu.Unlock()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if bc, ok := g.bound[id.Uint64()]; ok {
		return bc, id, nil
	}
	cs, ok := g.contracts.Lookup(id.Uint64())
	if !ok {
		return nil, nil, fmt.Errorf("%w: chain %d", ErrUnsupportedNetwork, id.Uint64())
	}
	bc := &boundContracts{
		set:     cs,
		invites: bind.NewBoundContract(cs.Invites, InvitesABI, g.client, g.client, g.client),
		token:   bind.NewBoundContract(cs.Token, TokenABI, g.client, g.client, g.client),
	}
	g.bound[id.Uint64()] = bc
	return bc, id, nil
}

func (g *EthGateway) call(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return out, nil
}

func (g *EthGateway) callBig(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) (*big.Int, error) {
	out, err := g.call(ctx, c, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("call %s: unexpected result %T", method, out[0])
	}
	return v, nil
}

// CreationBlock returns the invites contract deployment block, from the
// contract table when configured and from the contract otherwise.
func (g *EthGateway) CreationBlock(ctx context.Context) (uint64, error) {
	bc, _, err := g.contractsFor(ctx)
	if err != nil {
		return 0, err
	}
	if bc.set.CreationBlock > 0 {
		return bc.set.CreationBlock, nil
	}
	v, err := g.callBig(ctx, bc.invites, "creationBlock")
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// InvitesAddress returns the invites contract of the connected network.
func (g *EthGateway) InvitesAddress(ctx context.Context) (common.Address, error) {
	bc, _, err := g.contractsFor(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return bc.set.Invites, nil
}

// RequiredStake returns the token amount an invite locks.
func (g *EthGateway) RequiredStake(ctx context.Context) (*big.Int, error) {
	bc, _, err := g.contractsFor(ctx)
	if err != nil {
		return nil, err
	}
	return g.callBig(ctx, bc.invites, "requiredStake")
}

// InviteState returns the contract's state string for an invite.
func (g *EthGateway) InviteState(ctx context.Context, sender, recipient common.Address, feedHash string) (string, error) {
	bc, _, err := g.contractsFor(ctx)
	if err != nil {
		return "", err
	}
	out, err := g.call(ctx, bc.invites, "getInviteState", sender, recipient, feedHash)
	if err != nil {
		return "", err
	}
	b, ok := out[0].([32]byte)
	if !ok {
		return "", fmt.Errorf("getInviteState: unexpected result %T", out[0])
	}
	return ParseBytes32String(b), nil
}

// Allowance returns how much the invites contract may spend for owner.
func (g *EthGateway) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	bc, _, err := g.contractsFor(ctx)
	if err != nil {
		return nil, err
	}
	return g.callBig(ctx, bc.token, "allowance", owner, bc.set.Invites)
}

// TokenBalance returns owner's stake token balance.
func (g *EthGateway) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	bc, _, err := g.contractsFor(ctx)
	if err != nil {
		return nil, err
	}
	return g.callBig(ctx, bc.token, "balanceOf", owner)
}

func (g *EthGateway) query(bc *boundContracts, kind EventKind, topic common.Hash) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{bc.set.Invites},
		Topics:    [][]common.Hash{{EventID(kind)}, {topic}},
	}
}

// FilterLogs returns matching logs in [from, to].
func (g *EthGateway) FilterLogs(ctx context.Context, kind EventKind, from, to uint64, topic common.Hash) ([]types.Log, error) {
	bc, _, err := g.contractsFor(ctx)
	if err != nil {
		return nil, err
	}
	q := g.query(bc, kind, topic)
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)
	logs, err := g.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter %s logs [%d, %d]: %w", kind, from, to, err)
	}
	return logs, nil
}

// SubscribeLogs subscribes to new matching logs.
func (g *EthGateway) SubscribeLogs(ctx context.Context, kind EventKind, topic common.Hash, sink chan<- types.Log) (Subscription, error) {
	bc, _, err := g.contractsFor(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := g.client.SubscribeFilterLogs(ctx, g.query(bc, kind, topic), sink)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return nil, ErrSubscriptionsUnsupported
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s logs: %w", kind, err)
	}
	return sub, nil
}

func (g *EthGateway) pack(bc *boundContracts, call Call) (common.Address, []byte, error) {
	var (
		parsed abi.ABI
		to     common.Address
	)
	switch call.Contract {
	case ContractInvites:
		parsed, to = InvitesABI, bc.set.Invites
	case ContractToken:
		parsed, to = TokenABI, bc.set.Token
	default:
		return common.Address{}, nil, fmt.Errorf("unknown contract %d", call.Contract)
	}
	data, err := parsed.Pack(call.Method, call.Args...)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("encode %s: %w", call.Method, err)
	}
	return to, data, nil
}

// TxParams encodes call and completes its gas, gas price and nonce.
func (g *EthGateway) TxParams(ctx context.Context, call Call) (*TxParams, error) {
	bc, _, err := g.contractsFor(ctx)
	if err != nil {
		return nil, err
	}
	to, data, err := g.pack(bc, call)
	if err != nil {
		return nil, err
	}

	gasPrice := call.GasPrice
	if gasPrice == nil {
		if gasPrice, err = g.client.SuggestGasPrice(ctx); err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
	}
	nonce, err := g.client.PendingNonceAt(ctx, call.From)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gas, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     call.From,
		To:       &to,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas for %s: %w", call.Method, err)
	}
	return &TxParams{
		From:     call.From,
		To:       to,
		Data:     hexutil.Encode(data),
		Gas:      gas,
		GasPrice: gasPrice,
		Nonce:    nonce,
	}, nil
}

// Send signs and submits call, then watches for it to be mined.
func (g *EthGateway) Send(ctx context.Context, call Call) (*Pending, error) {
	if !g.signer.HasAccount(call.From) {
		return nil, fmt.Errorf("no key for account %s", call.From.Hex())
	}
	params, err := g.TxParams(ctx, call)
	if err != nil {
		return nil, err
	}
	_, chainID, err := g.contractsFor(ctx)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    params.Nonce,
		GasPrice: params.GasPrice,
		Gas:      params.Gas,
		To:       &params.To,
		Value:    new(big.Int),
		Data:     common.FromHex(params.Data),
	})
	signer := types.LatestSignerForChainID(chainID)
	sig, err := g.signer.SignHash(call.From, signer.Hash(tx).Bytes())
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", call.Method, err)
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, fmt.Errorf("attach signature: %w", err)
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send %s: %w", call.Method, err)
	}

	p := NewPending()
	p.SetHash(signed.Hash())
	g.logger.Info().
		Str("method", call.Method).
		Str("tx", signed.Hash().Hex()).
		Msg("Transaction submitted")

	g.wg.Add(1)
	go g.watchMined(signed, p)
	return p, nil
}

func (g *EthGateway) watchMined(tx *types.Transaction, p *Pending) {
	defer g.wg.Done()

	ctx, cancel := context.WithTimeout(g.ctx, g.minedTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(ctx, g.client, tx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		g.logger.Warn().Str("tx", tx.Hash().Hex()).Dur("timeout", g.minedTimeout).Msg("Transaction not mined in time")
		p.Fail(ErrMinedTimeout)
	case err != nil:
		p.Fail(fmt.Errorf("wait mined: %w", err))
	case receipt.Status != types.ReceiptStatusSuccessful:
		p.Fail(fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex()))
	default:
		g.logger.Debug().Str("tx", tx.Hash().Hex()).Uint64("block", receipt.BlockNumber.Uint64()).Msg("Transaction mined")
		p.Mined(tx.Hash())
	}
}
