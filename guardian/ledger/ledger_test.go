package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelguard/sentinel/guardian/config"
	"github.com/sentinelguard/sentinel/guardian/contenthash"
	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
)

const (
	testKey      = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testWallet   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testChainID  = 31337
)

// rpcNode is a minimal JSON-RPC endpoint answering the calls EVMClient makes.
type rpcNode struct {
	mu          sync.Mutex
	chainID     int64
	nonce       uint64
	block       uint64
	sendErr     string
	sent        [][]byte
	receipts    map[string]string
	requests    map[string]int
	unavailable bool
}

func newRPCNode() *rpcNode {
	return &rpcNode{
		chainID:  testChainID,
		nonce:    7,
		block:    16,
		receipts: make(map[string]string),
		requests: make(map[string]int),
	}
}

func (n *rpcNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests[method]
}

func (n *rpcNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests[req.Method]++

	if n.unavailable && req.Method != "eth_chainId" {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	result := "null"
	var rpcErr string
	switch req.Method {
	case "eth_chainId":
		result = fmt.Sprintf("%q", hexutil.EncodeUint64(uint64(n.chainID)))
	case "eth_getTransactionCount":
		result = fmt.Sprintf("%q", hexutil.EncodeUint64(n.nonce))
	case "eth_gasPrice":
		result = `"0x3b9aca00"`
	case "eth_blockNumber":
		result = fmt.Sprintf("%q", hexutil.EncodeUint64(n.block))
	case "eth_sendRawTransaction":
		if n.sendErr != "" {
			rpcErr = n.sendErr
			break
		}
		var raw string
		_ = json.Unmarshal(req.Params[0], &raw)
		n.sent = append(n.sent, hexutil.MustDecode(raw))
		result = `"0x0"`
	case "eth_getTransactionReceipt":
		var hash string
		_ = json.Unmarshal(req.Params[0], &hash)
		if receipt, ok := n.receipts[hash]; ok {
			result = receipt
		}
	case "eth_getTransactionByHash":
		result = "null"
	}

	w.Header().Set("Content-Type", "application/json")
	if rpcErr != "" {
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":%q}}`, req.ID, rpcErr)
		return
	}
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
}

func receiptJSON(hash string, status uint64, block uint64) string {
	bloom := "0x" + fmt.Sprintf("%0512x", 0)
	return fmt.Sprintf(`{"transactionHash":%q,"status":%q,"blockNumber":%q,"blockHash":"0x%064x",`+
		`"transactionIndex":"0x0","cumulativeGasUsed":"0x5208","gasUsed":"0x5208","logsBloom":%q,"logs":[],"type":"0x0"}`,
		hash, hexutil.EncodeUint64(status), hexutil.EncodeUint64(block), 1, bloom)
}

func fastRetry() *sentinelerrors.RetryConfig {
	cfg := sentinelerrors.DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestEVMClient(t *testing.T, urls ...string) *EVMClient {
	t.Helper()
	client, err := NewEVMClient(context.Background(), EVMConfig{
		RPCURLs:         urls,
		ChainID:         testChainID,
		ContractAddress: testContract,
		PrivateKeyHex:   testKey,
		Confirmations:   2,
		RequestTimeout:  2 * time.Second,
		Retry:           fastRetry(),
		Logger:          zerolog.New(zerolog.NewTestWriter(t)),
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func testRecord() Record {
	var hash [contenthash.Size]byte
	copy(hash[:], contenthash.DigestBytes("hello"))
	return Record{
		IncidentID:    "3f1b7c9e-0000-4000-8000-000000000001",
		Wallet:        testWallet,
		ContentHash:   hash,
		Severity:      2,
		Category:      "hate",
		PolicyVersion: "v1",
		Action:        "block",
	}
}

func TestEncodeRecordIncident(t *testing.T) {
	t.Run("selector and arguments", func(t *testing.T) {
		rec := testRecord()
		data, err := EncodeRecordIncident(rec)
		require.NoError(t, err)

		selector := crypto.Keccak256([]byte(RecordIncidentSignature))[:4]
		assert.Equal(t, selector, data[:4])

		values, err := recordIncidentArgs.Unpack(data[4:])
		require.NoError(t, err)
		require.Len(t, values, 7)
		assert.Equal(t, rec.IncidentID, values[0])
		assert.Equal(t, ethcommon.HexToAddress(testWallet), values[1])
		assert.Equal(t, rec.ContentHash, values[2])
		assert.Equal(t, uint8(2), values[3])
		assert.Equal(t, "hate", values[4])
		assert.Equal(t, "v1", values[5])
		assert.Equal(t, "block", values[6])
	})

	t.Run("rejects non ledger wallet", func(t *testing.T) {
		rec := testRecord()
		rec.Wallet = "ALGO7XQ2WALLET"
		_, err := EncodeRecordIncident(rec)
		require.Error(t, err)
		assert.True(t, sentinelerrors.IsValidation(err))
	})

	t.Run("rejects missing id", func(t *testing.T) {
		rec := testRecord()
		rec.IncidentID = ""
		_, err := EncodeRecordIncident(rec)
		assert.True(t, sentinelerrors.IsValidation(err))
	})
}

func TestNewEVMClient(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		name string
		cfg  EVMConfig
	}{
		{"no urls", EVMConfig{ContractAddress: testContract, PrivateKeyHex: testKey}},
		{"bad contract", EVMConfig{RPCURLs: []string{"http://127.0.0.1:1"}, ContractAddress: "nope", PrivateKeyHex: testKey}},
		{"no key", EVMConfig{RPCURLs: []string{"http://127.0.0.1:1"}, ContractAddress: testContract}},
		{"bad key", EVMConfig{RPCURLs: []string{"http://127.0.0.1:1"}, ContractAddress: testContract, PrivateKeyHex: "zz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logger = logger
			client, err := NewEVMClient(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.Nil(t, client)
			assert.True(t, sentinelerrors.IsConfig(err))
		})
	}

	t.Run("chain id mismatch leaves no endpoints", func(t *testing.T) {
		node := newRPCNode()
		node.chainID = 1
		server := httptest.NewServer(node)
		defer server.Close()

		_, err := NewEVMClient(context.Background(), EVMConfig{
			RPCURLs:         []string{server.URL},
			ChainID:         testChainID,
			ContractAddress: testContract,
			PrivateKeyHex:   testKey,
			Logger:          logger,
		})
		require.Error(t, err)
		assert.True(t, sentinelerrors.IsDependency(err))
	})
}

func TestEVMClientRecordIncident(t *testing.T) {
	t.Run("signs and broadcasts", func(t *testing.T) {
		node := newRPCNode()
		server := httptest.NewServer(node)
		defer server.Close()

		client := newTestEVMClient(t, server.URL)
		txRef, err := client.RecordIncident(context.Background(), testRecord())
		require.NoError(t, err)

		node.mu.Lock()
		require.Len(t, node.sent, 1)
		raw := node.sent[0]
		node.mu.Unlock()

		var tx types.Transaction
		require.NoError(t, tx.UnmarshalBinary(raw))
		assert.Equal(t, txRef, tx.Hash().Hex())
		assert.Equal(t, uint64(7), tx.Nonce())
		assert.Equal(t, ethcommon.HexToAddress(testContract), *tx.To())
		assert.Equal(t, defaultGasLimit, tx.Gas())

		sender, err := types.Sender(types.NewEIP155Signer(tx.ChainId()), &tx)
		require.NoError(t, err)
		assert.Equal(t, client.From(), sender.Hex())

		want, err := EncodeRecordIncident(testRecord())
		require.NoError(t, err)
		assert.Equal(t, want, tx.Data())
	})

	t.Run("nonces advance locally", func(t *testing.T) {
		node := newRPCNode()
		server := httptest.NewServer(node)
		defer server.Close()

		client := newTestEVMClient(t, server.URL)
		for i := 0; i < 3; i++ {
			_, err := client.RecordIncident(context.Background(), testRecord())
			require.NoError(t, err)
		}
		assert.Equal(t, 1, node.count("eth_getTransactionCount"))

		node.mu.Lock()
		defer node.mu.Unlock()
		for i, raw := range node.sent {
			var tx types.Transaction
			require.NoError(t, tx.UnmarshalBinary(raw))
			assert.Equal(t, uint64(7+i), tx.Nonce())
		}
	})

	t.Run("already known is success", func(t *testing.T) {
		node := newRPCNode()
		node.sendErr = "already known"
		server := httptest.NewServer(node)
		defer server.Close()

		client := newTestEVMClient(t, server.URL)
		txRef, err := client.RecordIncident(context.Background(), testRecord())
		require.NoError(t, err)
		assert.NotEmpty(t, txRef)
	})

	t.Run("rejected broadcast is a ledger error and resyncs nonce", func(t *testing.T) {
		node := newRPCNode()
		node.sendErr = "insufficient funds for gas * price + value"
		server := httptest.NewServer(node)
		defer server.Close()

		client := newTestEVMClient(t, server.URL)
		_, err := client.RecordIncident(context.Background(), testRecord())
		require.Error(t, err)
		assert.True(t, sentinelerrors.IsDependency(err))
		assert.Contains(t, err.Error(), "ledger")
		assert.Equal(t, 1, node.count("eth_sendRawTransaction"))

		node.mu.Lock()
		node.sendErr = ""
		node.mu.Unlock()
		_, err = client.RecordIncident(context.Background(), testRecord())
		require.NoError(t, err)
		assert.Equal(t, 2, node.count("eth_getTransactionCount"))
	})

	t.Run("fails over to healthy endpoint", func(t *testing.T) {
		broken := newRPCNode()
		brokenServer := httptest.NewServer(broken)
		defer brokenServer.Close()
		healthy := newRPCNode()
		healthyServer := httptest.NewServer(healthy)
		defer healthyServer.Close()

		client := newTestEVMClient(t, brokenServer.URL, healthyServer.URL)
		broken.mu.Lock()
		broken.unavailable = true
		broken.mu.Unlock()

		_, err := client.RecordIncident(context.Background(), testRecord())
		require.NoError(t, err)
		healthy.mu.Lock()
		assert.Len(t, healthy.sent, 1)
		healthy.mu.Unlock()
	})
}

func TestEVMClientTransactionStatus(t *testing.T) {
	node := newRPCNode()
	server := httptest.NewServer(node)
	defer server.Close()
	client := newTestEVMClient(t, server.URL)

	okHash := fmt.Sprintf("0x%064x", 1)
	revertedHash := fmt.Sprintf("0x%064x", 2)
	node.mu.Lock()
	node.receipts[okHash] = receiptJSON(okHash, 1, 16)
	node.receipts[revertedHash] = receiptJSON(revertedHash, 0, 16)
	node.mu.Unlock()

	t.Run("awaiting confirmations", func(t *testing.T) {
		status, err := client.TransactionStatus(context.Background(), okHash)
		require.NoError(t, err)
		assert.Equal(t, TxStatusPending, status)
	})

	t.Run("confirmed once deep enough", func(t *testing.T) {
		node.mu.Lock()
		node.block = 17
		node.mu.Unlock()
		status, err := client.TransactionStatus(context.Background(), okHash)
		require.NoError(t, err)
		assert.Equal(t, TxStatusConfirmed, status)
	})

	t.Run("reverted", func(t *testing.T) {
		status, err := client.TransactionStatus(context.Background(), revertedHash)
		require.NoError(t, err)
		assert.Equal(t, TxStatusRejected, status)
	})

	t.Run("unknown", func(t *testing.T) {
		status, err := client.TransactionStatus(context.Background(), fmt.Sprintf("0x%064x", 3))
		require.NoError(t, err)
		assert.Equal(t, TxStatusUnknown, status)
	})
}

func TestMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("deterministic refs", func(t *testing.T) {
		m := NewMemory()
		rec := testRecord()
		first, err := m.RecordIncident(ctx, rec)
		require.NoError(t, err)
		second, err := m.RecordIncident(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, RefFor(rec.IncidentID, 0), first)
		assert.Equal(t, RefFor(rec.IncidentID, 1), second)
		assert.Len(t, m.Records(), 2)

		status, err := m.TransactionStatus(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, TxStatusPending, status)
	})

	t.Run("auto confirm and overrides", func(t *testing.T) {
		m := NewMemory().AutoConfirm(true)
		ref, err := m.RecordIncident(ctx, testRecord())
		require.NoError(t, err)
		status, _ := m.TransactionStatus(ctx, ref)
		assert.Equal(t, TxStatusConfirmed, status)

		m.SetStatus(ref, TxStatusRejected)
		status, _ = m.TransactionStatus(ctx, ref)
		assert.Equal(t, TxStatusRejected, status)

		status, _ = m.TransactionStatus(ctx, "0xmissing")
		assert.Equal(t, TxStatusUnknown, status)
	})

	t.Run("injected failure", func(t *testing.T) {
		m := NewMemory()
		m.FailNext(sentinelerrors.NewDependencyError(sentinelerrors.DependencyLedger, "node down", nil))
		_, err := m.RecordIncident(ctx, testRecord())
		assert.True(t, sentinelerrors.IsDependency(err))
		_, err = m.RecordIncident(ctx, testRecord())
		assert.NoError(t, err)
		assert.Equal(t, 2, m.Calls())
		assert.Len(t, m.Records(), 1)
	})

	t.Run("delay honors deadline", func(t *testing.T) {
		m := NewMemory()
		m.Delay(time.Second)
		tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := m.RecordIncident(tctx, testRecord())
		assert.True(t, sentinelerrors.IsTimeout(err))
		assert.Empty(t, m.Records())
	})
}

func TestUnconfigured(t *testing.T) {
	var c Client = Unconfigured{}
	_, err := c.RecordIncident(context.Background(), testRecord())
	assert.True(t, sentinelerrors.IsConfig(err))
	_, err = c.TransactionStatus(context.Background(), "0x1")
	assert.True(t, sentinelerrors.IsConfig(err))

	assert.False(t, IsConfigured(c))
	assert.False(t, IsConfigured(nil))
	assert.True(t, IsConfigured(NewMemory()))
}

func TestFromConfig(t *testing.T) {
	client, err := FromConfig(context.Background(), config.LedgerConfig{Enabled: false}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, IsConfigured(client))
}

func TestCheck(t *testing.T) {
	node := newRPCNode()
	server := httptest.NewServer(node)
	defer server.Close()
	evm := newTestEVMClient(t, server.URL)

	t.Run("unconfigured", func(t *testing.T) {
		assert.True(t, sentinelerrors.IsConfig(Check(context.Background(), Unconfigured{})))
		assert.True(t, sentinelerrors.IsConfig(Check(context.Background(), nil)))
	})

	t.Run("memory has no endpoints", func(t *testing.T) {
		assert.NoError(t, Check(context.Background(), NewMemory()))
	})

	t.Run("reachable endpoint", func(t *testing.T) {
		assert.NoError(t, Check(context.Background(), evm))
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		node.mu.Lock()
		node.unavailable = true
		node.mu.Unlock()

		err := Check(context.Background(), evm)
		require.Error(t, err)
		assert.True(t, sentinelerrors.IsDependency(err))
	})
}
