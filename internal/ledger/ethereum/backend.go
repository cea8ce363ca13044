// Package ethereum drives the deployed custody contract over JSON-RPC.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"custodychain/internal/ledger"
	"custodychain/pkg/domain"
)

//go:embed custody.abi.json
var contractABI string

const (
	harvestEvent = "HarvestAdded"
	revertPrefix = "execution reverted:"

	// DefaultLogWindow is the block span of one eth_getLogs request.
	DefaultLogWindow uint64 = 5000
)

var _ ledger.Backend = (*Backend)(nil)

// chainClient is the subset of *ethclient.Client the backend uses.
type chainClient interface {
	bind.ContractBackend
	bind.DeployBackend
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config locates the contract and the signing key.
type Config struct {
	RPCURL          string
	PrivateKey      string
	ContractAddress string
	// FromBlock is the deployment block; event replay never scans below it.
	FromBlock uint64
	LogWindow uint64
}

// Backend implements ledger.Backend against an EVM chain.
type Backend struct {
	client    chainClient
	closer    func()
	abi       abi.ABI
	address   common.Address
	contract  *bind.BoundContract
	auth      *bind.TransactOpts
	from      common.Address
	fromBlock uint64
	window    uint64
}

// Dial connects to cfg.RPCURL and binds the contract.
func Dial(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("ethereum: rpc url required")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum: dial %s: %w", cfg.RPCURL, err)
	}
	b, err := newBackend(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	b.closer = client.Close
	return b, nil
}

func newBackend(ctx context.Context, client chainClient, cfg Config) (*Backend, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("ethereum: invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ethereum: parse private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("ethereum: parse abi: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("ethereum: chain id: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("ethereum: transactor: %w", err)
	}
	window := cfg.LogWindow
	if window == 0 {
		window = DefaultLogWindow
	}
	address := common.HexToAddress(cfg.ContractAddress)
	return &Backend{
		client:    client,
		closer:    func() {},
		abi:       parsed,
		address:   address,
		contract:  bind.NewBoundContract(address, parsed, client, client, client),
		auth:      auth,
		from:      signerAddress(key),
		fromBlock: cfg.FromBlock,
		window:    window,
	}, nil
}

func signerAddress(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// Close releases the RPC connection.
func (b *Backend) Close() { b.closer() }

// Account returns the checksummed signer address.
func (b *Backend) Account() string { return b.from.Hex() }

// PendingNonce returns the signer's pending nonce.
func (b *Backend) PendingNonce(ctx context.Context) (uint64, error) {
	return b.client.PendingNonceAt(ctx, b.from)
}

// RoleHash is the contract's bytes32 identifier of role.
func RoleHash(role domain.Role) [32]byte {
	return crypto.Keccak256Hash([]byte(role))
}

func (b *Backend) args(tx ledger.Tx) ([]any, error) {
	switch t := tx.(type) {
	case ledger.HarvestTx:
		return []any{t.Harvest.BatchID, encodeHarvest(t.Harvest)}, nil
	case ledger.BatchProcessingTx:
		return []any{t.BatchID, encodeProcessing(t.Processing)}, nil
	case ledger.PacketProcessingTx:
		return []any{t.PacketID, encodeProcessing(t.Processing)}, nil
	case ledger.CreatePacketTx:
		return []any{t.PacketID, t.BatchID}, nil
	case ledger.CreatePacketsTx:
		return []any{t.BatchID, t.FarmerID, new(big.Int).SetUint64(t.Count), big.NewInt(t.SizeGM)}, nil
	case ledger.StageTx:
		data, err := encodeStage(t.Stage, t.PacketID, t.Fields)
		if err != nil {
			return nil, err
		}
		return []any{t.PacketID, data}, nil
	case ledger.RoleTx:
		if !common.IsHexAddress(t.Account) {
			return nil, ledger.Reject(t.Method(), fmt.Sprintf("invalid account %q", t.Account))
		}
		return []any{RoleHash(t.Role), common.HexToAddress(t.Account)}, nil
	default:
		return nil, fmt.Errorf("ethereum: unsupported transaction %T", tx)
	}
}

// Send signs tx with nonce, broadcasts it and waits for it to be mined.
func (b *Backend) Send(ctx context.Context, nonce uint64, tx ledger.Tx) (ledger.Receipt, error) {
	method := tx.Method()
	args, err := b.args(tx)
	if err != nil {
		return ledger.Receipt{}, err
	}
	opts := *b.auth
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)

	sent, err := b.contract.Transact(&opts, method, args...)
	if err != nil {
		return ledger.Receipt{}, revertError(method, err)
	}
	mined, err := bind.WaitMined(ctx, b.client, sent)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("wait for %s: %w", sent.Hash().Hex(), err)
	}
	if mined.Status != types.ReceiptStatusSuccessful {
		return ledger.Receipt{}, ledger.Reject(method, "transaction reverted")
	}
	var block uint64
	if mined.BlockNumber != nil {
		block = mined.BlockNumber.Uint64()
	}
	return ledger.Receipt{Method: method, TxHash: sent.Hash().Hex(), Nonce: nonce, Block: block}, nil
}

// revertError turns an execution revert into a RejectionError carrying the
// contract's reason. Other errors pass through.
func revertError(method string, err error) error {
	var de rpc.DataError
	if errors.As(err, &de) {
		if raw, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(raw); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return ledger.Reject(method, reason)
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, revertPrefix); i >= 0 {
		if reason := strings.TrimSpace(msg[i+len(revertPrefix):]); reason != "" {
			return ledger.Reject(method, reason)
		}
	}
	if strings.Contains(msg, "execution reverted") {
		return ledger.Reject(method, "execution reverted")
	}
	return err
}

func (b *Backend) call(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	if err := b.contract.Call(&bind.CallOpts{Context: ctx, From: b.from}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

func (b *Backend) callBool(ctx context.Context, method string, args ...any) (bool, error) {
	out, err := b.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected result %T", method, out[0])
	}
	return v, nil
}

func (b *Backend) callStrings(ctx context.Context, method string, args ...any) ([]string, error) {
	out, err := b.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].([]string)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result %T", method, out[0])
	}
	return v, nil
}

// BatchExists implements ledger.Backend.
func (b *Backend) BatchExists(ctx context.Context, batchID string) (bool, error) {
	return b.callBool(ctx, "batchExists", batchID)
}

// PacketExists implements ledger.Backend.
func (b *Backend) PacketExists(ctx context.Context, packetID string) (bool, error) {
	return b.callBool(ctx, "packetExists", packetID)
}

// PacketCount implements ledger.Backend.
func (b *Backend) PacketCount(ctx context.Context, batchID string) (uint64, error) {
	out, err := b.call(ctx, "packetCount", batchID)
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("packetCount: unexpected result %v", out[0])
	}
	return n.Uint64(), nil
}

// Packet implements ledger.Backend.
func (b *Backend) Packet(ctx context.Context, packetID string) (ledger.PacketRecord, bool, error) {
	out, err := b.call(ctx, "getPacket", packetID)
	if err != nil {
		return ledger.PacketRecord{}, false, err
	}
	if len(out) < 3 {
		return ledger.PacketRecord{}, false, fmt.Errorf("getPacket: %d results", len(out))
	}
	batchID, _ := out[0].(string)
	stage, _ := out[1].(string)
	active, _ := out[2].(bool)
	if batchID == "" {
		return ledger.PacketRecord{}, false, nil
	}
	return ledger.PacketRecord{
		PacketID: packetID,
		BatchID:  batchID,
		Stage:    domain.Stage(strings.ToLower(stage)),
		Active:   active,
	}, true, nil
}

// Harvest implements ledger.Backend.
func (b *Backend) Harvest(ctx context.Context, batchID string) (ledger.Harvest, bool, error) {
	data, err := b.callStrings(ctx, "getHarvest", batchID)
	if err != nil || len(data) == 0 {
		return ledger.Harvest{}, false, err
	}
	h, err := decodeHarvest(data)
	return h, err == nil, err
}

// BatchProcessing implements ledger.Backend.
func (b *Backend) BatchProcessing(ctx context.Context, batchID string) (ledger.Processing, bool, error) {
	return b.processing(ctx, "getBatchProcessing", batchID)
}

// PacketProcessing implements ledger.Backend.
func (b *Backend) PacketProcessing(ctx context.Context, packetID string) (ledger.Processing, bool, error) {
	return b.processing(ctx, "getProcessing", packetID)
}

func (b *Backend) processing(ctx context.Context, method, id string) (ledger.Processing, bool, error) {
	data, err := b.callStrings(ctx, method, id)
	if err != nil || len(data) == 0 {
		return ledger.Processing{}, false, err
	}
	p, err := decodeProcessing(data)
	return p, err == nil, err
}

// StageRecord implements ledger.Backend.
func (b *Backend) StageRecord(ctx context.Context, packetID string, stage domain.Stage) (ledger.StageRecord, bool, error) {
	method := stageGetter(stage)
	if method == "" {
		return ledger.StageRecord{}, false, nil
	}
	data, err := b.callStrings(ctx, method, packetID)
	if err != nil || len(data) == 0 {
		return ledger.StageRecord{}, false, err
	}
	rec, err := decodeStage(stage, packetID, data)
	return rec, err == nil, err
}

// HasRole implements ledger.Backend.
func (b *Backend) HasRole(ctx context.Context, role domain.Role, account string) (bool, error) {
	if !common.IsHexAddress(account) {
		return false, nil
	}
	return b.callBool(ctx, "hasRole", RoleHash(role), common.HexToAddress(account))
}

// HarvestEvents implements ledger.Backend. Logs are fetched in windows of
// b.window blocks; an undecodable log yields an event with nil values.
func (b *Backend) HarvestEvents(ctx context.Context, fromBlock uint64) ([]ledger.HarvestEvent, uint64, error) {
	latest, err := b.client.BlockNumber(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("block number: %w", err)
	}
	if fromBlock < b.fromBlock {
		fromBlock = b.fromBlock
	}
	ev, ok := b.abi.Events[harvestEvent]
	if !ok {
		return nil, 0, fmt.Errorf("abi has no %s event", harvestEvent)
	}
	var events []ledger.HarvestEvent
	for start := fromBlock; start <= latest; start += b.window {
		end := start + b.window - 1
		if end > latest {
			end = latest
		}
		logs, err := b.client.FilterLogs(ctx, goethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{b.address},
			Topics:    [][]common.Hash{{ev.ID}},
		})
		if err != nil {
			return nil, 0, fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}
		for _, lg := range logs {
			events = append(events, b.decodeHarvestLog(lg))
		}
	}
	return events, latest, nil
}

func (b *Backend) decodeHarvestLog(lg types.Log) ledger.HarvestEvent {
	out := ledger.HarvestEvent{Block: lg.BlockNumber}
	fields := make(map[string]any)
	if err := b.abi.UnpackIntoMap(fields, harvestEvent, lg.Data); err != nil {
		return out
	}
	out.FarmerID = fields["farmerId"]
	out.BatchID = fields["batchId"]
	return out
}
