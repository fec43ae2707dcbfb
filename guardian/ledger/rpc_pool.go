package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// rpcPool spreads calls over several endpoints of one chain with round-robin failover.
type rpcPool struct {
	clients []*ethclient.Client
	index   uint64
	timeout time.Duration
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// newRPCPool dials every URL and keeps those serving the expected chain.
func newRPCPool(ctx context.Context, rpcURLs []string, expectedChainID int64, timeout time.Duration, logger zerolog.Logger) (*rpcPool, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	log := logger.With().Str("component", "ledger_rpc_pool").Logger()
	clients := make([]*ethclient.Client, 0, len(rpcURLs))

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, url := range rpcURLs {
		client, err := ethclient.DialContext(dialCtx, url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("failed to connect to RPC endpoint, skipping")
			continue
		}

		chainID, err := client.ChainID(dialCtx)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("failed to verify chain ID, skipping endpoint")
			client.Close()
			continue
		}
		if chainID.Int64() != expectedChainID {
			client.Close()
			log.Warn().
				Str("url", url).
				Int64("expected_chain_id", expectedChainID).
				Int64("actual_chain_id", chainID.Int64()).
				Msg("chain ID mismatch, closing client")
			continue
		}

		clients = append(clients, client)
		log.Info().Str("url", url).Msg("connected to RPC endpoint")
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("failed to connect to any valid RPC endpoints")
	}

	return &rpcPool{clients: clients, timeout: timeout, logger: log}, nil
}

// executeWithFailover runs fn against successive endpoints until one
// succeeds. ethereum.NotFound is an answer, not an endpoint failure.
func (p *rpcPool) executeWithFailover(ctx context.Context, operation string, fn func(context.Context, *ethclient.Client) error) error {
	p.mu.RLock()
	clients := p.clients
	p.mu.RUnlock()

	if len(clients) == 0 {
		return fmt.Errorf("no RPC clients available for %s", operation)
	}

	var lastErr error
	for attempt := 0; attempt < len(clients); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		index := atomic.AddUint64(&p.index, 1) - 1
		client := clients[index%uint64(len(clients))]

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := fn(callCtx, client)
		cancel()
		if err == nil || stderrors.Is(err, ethereum.NotFound) {
			return err
		}
		lastErr = err

		p.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Err(err).
			Msg("operation failed, trying next endpoint")
	}

	return fmt.Errorf("operation %s failed after trying %d endpoints: %w", operation, len(clients), lastErr)
}

func (p *rpcPool) blockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.executeWithFailover(ctx, "get_block_number", func(ctx context.Context, c *ethclient.Client) error {
		var innerErr error
		n, innerErr = c.BlockNumber(ctx)
		return innerErr
	})
	return n, err
}

func (p *rpcPool) pendingNonce(ctx context.Context, account ethcommon.Address) (uint64, error) {
	var n uint64
	err := p.executeWithFailover(ctx, "get_nonce", func(ctx context.Context, c *ethclient.Client) error {
		var innerErr error
		n, innerErr = c.PendingNonceAt(ctx, account)
		return innerErr
	})
	return n, err
}

func (p *rpcPool) gasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := p.executeWithFailover(ctx, "get_gas_price", func(ctx context.Context, c *ethclient.Client) error {
		var innerErr error
		price, innerErr = c.SuggestGasPrice(ctx)
		return innerErr
	})
	return price, err
}

func (p *rpcPool) sendTransaction(ctx context.Context, tx *types.Transaction) error {
	return p.executeWithFailover(ctx, "broadcast_tx", func(ctx context.Context, c *ethclient.Client) error {
		return c.SendTransaction(ctx, tx)
	})
}

func (p *rpcPool) receipt(ctx context.Context, hash ethcommon.Hash) (*types.Receipt, error) {
	var r *types.Receipt
	err := p.executeWithFailover(ctx, "get_transaction_receipt", func(ctx context.Context, c *ethclient.Client) error {
		var innerErr error
		r, innerErr = c.TransactionReceipt(ctx, hash)
		return innerErr
	})
	return r, err
}

func (p *rpcPool) transactionKnown(ctx context.Context, hash ethcommon.Hash) (bool, error) {
	err := p.executeWithFailover(ctx, "get_transaction", func(ctx context.Context, c *ethclient.Client) error {
		_, _, innerErr := c.TransactionByHash(ctx, hash)
		return innerErr
	})
	if stderrors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	return err == nil, err
}

// healthy checks if any endpoint answers.
func (p *rpcPool) healthy(ctx context.Context) bool {
	_, err := p.blockNumber(ctx)
	return err == nil
}

// close closes all RPC connections
func (p *rpcPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, client := range p.clients {
		if client != nil {
			client.Close()
		}
	}
	p.clients = nil
}
