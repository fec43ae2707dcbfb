package ledger

import (
	"context"
	"crypto/ecdsa"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
)

// RecordIncidentSignature is the contract method every submission calls.
const RecordIncidentSignature = "recordIncident(string,address,bytes32,uint8,string,string,string)"

const defaultGasLimit uint64 = 300000

var recordIncidentArgs abi.Arguments

func init() {
	stringType, _ := abi.NewType("string", "", nil)
	addressType, _ := abi.NewType("address", "", nil)
	bytes32Type, _ := abi.NewType("bytes32", "", nil)
	uint8Type, _ := abi.NewType("uint8", "", nil)

	recordIncidentArgs = abi.Arguments{
		{Name: "incidentId", Type: stringType},
		{Name: "wallet", Type: addressType},
		{Name: "contentHash", Type: bytes32Type},
		{Name: "severity", Type: uint8Type},
		{Name: "category", Type: stringType},
		{Name: "policyVersion", Type: stringType},
		{Name: "action", Type: stringType},
	}
}

// EncodeRecordIncident builds the calldata for one record.
func EncodeRecordIncident(rec Record) ([]byte, error) {
	if rec.IncidentID == "" {
		return nil, sentinelerrors.NewValidationError("incident id is required")
	}
	if !ethcommon.IsHexAddress(rec.Wallet) {
		return nil, sentinelerrors.NewValidationError(fmt.Sprintf("wallet %q is not a ledger address", rec.Wallet))
	}
	if rec.Severity < 0 || rec.Severity > 255 {
		return nil, sentinelerrors.NewValidationError(fmt.Sprintf("severity %d out of range", rec.Severity))
	}

	packed, err := recordIncidentArgs.Pack(
		rec.IncidentID,
		ethcommon.HexToAddress(rec.Wallet),
		rec.ContentHash,
		uint8(rec.Severity),
		rec.Category,
		rec.PolicyVersion,
		rec.Action,
	)
	if err != nil {
		return nil, sentinelerrors.NewInternalError("failed to pack recordIncident arguments", err)
	}

	selector := crypto.Keccak256([]byte(RecordIncidentSignature))[:4]
	return append(selector, packed...), nil
}

// EVMConfig configures an EVMClient.
type EVMConfig struct {
	RPCURLs         []string
	ChainID         int64
	ContractAddress string
	PrivateKeyHex   string
	GasLimit        uint64
	Confirmations   uint64
	RequestTimeout  time.Duration
	Retry           *sentinelerrors.RetryConfig
	Logger          zerolog.Logger
}

// EVMClient records incidents through a contract on an EVM chain.
type EVMClient struct {
	pool          *rpcPool
	chainID       *big.Int
	contract      ethcommon.Address
	key           *ecdsa.PrivateKey
	from          ethcommon.Address
	gasLimit      uint64
	confirmations uint64
	retry         *sentinelerrors.RetryConfig
	nonces        nonceTracker
	logger        zerolog.Logger
}

// NewEVMClient validates cfg and connects to the configured endpoints.
func NewEVMClient(ctx context.Context, cfg EVMConfig) (*EVMClient, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, sentinelerrors.NewConfigError(sentinelerrors.DependencyLedger, "no ledger RPC URLs configured")
	}
	if !ethcommon.IsHexAddress(cfg.ContractAddress) {
		return nil, sentinelerrors.NewConfigError(sentinelerrors.DependencyLedger, "ledger contract address is invalid")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, sentinelerrors.NewConfigError(sentinelerrors.DependencyLedger, "ledger signing key is not set")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, sentinelerrors.NewConfigError(sentinelerrors.DependencyLedger, "ledger signing key is invalid")
	}

	log := cfg.Logger.With().Str("component", "ledger_evm").Logger()

	pool, err := newRPCPool(ctx, cfg.RPCURLs, cfg.ChainID, cfg.RequestTimeout, log)
	if err != nil {
		return nil, sentinelerrors.NewDependencyError(sentinelerrors.DependencyLedger, "failed to connect to ledger", err)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}

	c := &EVMClient{
		pool:          pool,
		chainID:       big.NewInt(cfg.ChainID),
		contract:      ethcommon.HexToAddress(cfg.ContractAddress),
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		gasLimit:      gasLimit,
		confirmations: confirmations,
		retry:         cfg.Retry,
		logger:        log,
	}

	log.Info().
		Str("from", c.from.Hex()).
		Str("contract", c.contract.Hex()).
		Int64("chain_id", cfg.ChainID).
		Msg("ledger client ready")
	return c, nil
}

// From returns the submitting address.
func (c *EVMClient) From() string { return c.from.Hex() }

// RecordIncident signs and broadcasts one recordIncident transaction.
func (c *EVMClient) RecordIncident(ctx context.Context, rec Record) (string, error) {
	data, err := EncodeRecordIncident(rec)
	if err != nil {
		return "", err
	}

	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return "", ledgerError("failed to get nonce", err)
	}

	gasPrice, err := c.pool.gasPrice(ctx)
	if err != nil {
		c.nonces.invalidate()
		return "", ledgerError("failed to get gas price", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      c.gasLimit,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		c.nonces.invalidate()
		return "", sentinelerrors.NewInternalError("failed to sign transaction", err)
	}
	txHash := signed.Hash().Hex()

	// the same signed bytes go out on every attempt, so a retry can never double-record
	op := &sentinelerrors.RetryOperation{
		Name:   "broadcast_tx",
		Config: c.retry,
		Fn: func() error {
			err := c.pool.sendTransaction(ctx, signed)
			if err != nil && isAlreadyKnown(err) {
				return nil
			}
			return err
		},
		OnRetry: func(attempt int, err error) {
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("tx_hash", txHash).Msg("broadcast failed, retrying")
		},
	}
	if err := op.Execute(ctx); err != nil {
		c.nonces.invalidate()
		return "", ledgerError("failed to broadcast transaction", err)
	}

	c.logger.Info().
		Str("incident_id", rec.IncidentID).
		Str("tx_hash", txHash).
		Uint64("nonce", nonce).
		Msg("incident transaction broadcast")
	return txHash, nil
}

// TransactionStatus reports whether txRef has enough confirmations.
func (c *EVMClient) TransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	hash := ethcommon.HexToHash(txRef)

	receipt, err := c.pool.receipt(ctx, hash)
	if stderrors.Is(err, ethereum.NotFound) {
		known, err := c.pool.transactionKnown(ctx, hash)
		if err != nil {
			return TxStatusUnknown, ledgerError("failed to look up transaction", err)
		}
		if known {
			return TxStatusPending, nil
		}
		return TxStatusUnknown, nil
	}
	if err != nil {
		return TxStatusUnknown, ledgerError("failed to get transaction receipt", err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return TxStatusRejected, nil
	}
	if receipt.BlockNumber == nil {
		return TxStatusPending, nil
	}

	latest, err := c.pool.blockNumber(ctx)
	if err != nil {
		return TxStatusUnknown, ledgerError("failed to get latest block", err)
	}

	included := receipt.BlockNumber.Uint64()
	if latest < included || latest-included+1 < c.confirmations {
		return TxStatusPending, nil
	}
	return TxStatusConfirmed, nil
}

// Healthy reports whether any ledger endpoint answers.
func (c *EVMClient) Healthy(ctx context.Context) bool {
	return c.pool.healthy(ctx)
}

// Close releases every endpoint connection.
func (c *EVMClient) Close() {
	c.pool.close()
}

func (c *EVMClient) nextNonce(ctx context.Context) (uint64, error) {
	if n, ok := c.nonces.reserve(); ok {
		return n, nil
	}
	pending, err := c.pool.pendingNonce(ctx, c.from)
	if err != nil {
		return 0, err
	}
	return c.nonces.sync(pending), nil
}

// nonceTracker hands out sequential nonces for one signing key. It only
// guards the counter; network calls happen outside the lock.
type nonceTracker struct {
	mu     sync.Mutex
	next   uint64
	synced bool
}

func (n *nonceTracker) reserve() (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.synced {
		return 0, false
	}
	v := n.next
	n.next++
	return v, true
}

// sync adopts the chain's pending nonce unless a concurrent caller already
// moved past it, and reserves one.
func (n *nonceTracker) sync(pending uint64) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.synced || pending > n.next {
		n.next = pending
	}
	n.synced = true
	v := n.next
	n.next++
	return v
}

// invalidate forces the next reservation to re-read the pending nonce.
func (n *nonceTracker) invalidate() {
	n.mu.Lock()
	n.synced = false
	n.mu.Unlock()
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func ledgerError(message string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return sentinelerrors.NewTimeoutError(sentinelerrors.DependencyLedger, message, err)
	}
	var e *sentinelerrors.Error
	if stderrors.As(err, &e) {
		return sentinelerrors.WrapError(err, sentinelerrors.ErrCodeDependency, sentinelerrors.DependencyLedger, message)
	}
	return sentinelerrors.NewDependencyError(sentinelerrors.DependencyLedger, message, err)
}
