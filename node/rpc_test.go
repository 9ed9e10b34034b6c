package node

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/wallet-extension-go/actions"
	"github.com/weisyn/wallet-extension-go/signer"
	"github.com/weisyn/wallet-extension-go/wallet"
)

// fakeStarknet 模拟节点的 starknet 命名空间
type fakeStarknet struct {
	mu       sync.Mutex
	nonce    string
	invokes  []invokeTransaction
	deploys  []deployAccountTransaction
	declares []declareTransaction
}

func (f *fakeStarknet) ChainId() string {
	return "0x534e5f5345504f4c4941"
}

func (f *fakeStarknet) GetNonce(blockID string, address string) (string, error) {
	if blockID != "pending" {
		return "", errors.New("unexpected block id")
	}
	if address == "0xdead" {
		return "", errors.New("contract not found")
	}
	return f.nonce, nil
}

func (f *fakeStarknet) AddInvokeTransaction(tx invokeTransaction) transactionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokes = append(f.invokes, tx)
	return transactionResult{TransactionHash: "0xabc1"}
}

func (f *fakeStarknet) AddDeployAccountTransaction(tx deployAccountTransaction) transactionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys = append(f.deploys, tx)
	return transactionResult{TransactionHash: "0xabc2", ContractAddress: "0x123"}
}

func (f *fakeStarknet) AddDeclareTransaction(tx declareTransaction) transactionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declares = append(f.declares, tx)
	return transactionResult{TransactionHash: "0xabc3", ClassHash: "0x77"}
}

func newTestNetwork(t *testing.T) (*Network, *fakeStarknet) {
	t.Helper()
	fake := &fakeStarknet{nonce: "0x5"}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("starknet", fake))
	t.Cleanup(server.Stop)

	n := NewNetwork(rpc.DialInProc(server), &Config{MaxFee: big.NewInt(1000)})
	t.Cleanup(n.Close)
	return n, fake
}

var testAccount = wallet.Account{Address: "0x123"}

func TestNetwork_InvokeDetails(t *testing.T) {
	n, _ := newTestNetwork(t)

	details, err := n.InvokeDetails(context.Background(), testAccount, nil)
	require.NoError(t, err)
	assert.Equal(t, "0x123", details.WalletAddress)
	assert.Equal(t, "0x534e5f5345504f4c4941", details.ChainID, "chain id falls back to the node")
	assert.Equal(t, int64(5), details.Nonce.Int64())
	assert.Equal(t, int64(1000), details.MaxFee.Int64())
	assert.Equal(t, int64(1), details.Version.Int64())

	withChain := testAccount
	withChain.Network.ChainID = "0x1"
	details, err = n.InvokeDetails(context.Background(), withChain, nil)
	require.NoError(t, err)
	assert.Equal(t, "0x1", details.ChainID)
}

func TestNetwork_NonceError(t *testing.T) {
	n, _ := newTestNetwork(t)
	_, err := n.InvokeDetails(context.Background(), wallet.Account{Address: "0xdead"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starknet_getNonce")
}

func TestNetwork_SubmitInvoke(t *testing.T) {
	n, fake := newTestNetwork(t)
	calls := []signer.Call{{ContractAddress: "0x49", Entrypoint: "transfer", Calldata: []string{"0x1", "10", "0"}}}
	details, err := n.InvokeDetails(context.Background(), testAccount, calls)
	require.NoError(t, err)

	txHash, err := n.SubmitInvoke(context.Background(), testAccount, calls, details, signer.Signature{"31", "42"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc1", txHash)

	require.Len(t, fake.invokes, 1)
	tx := fake.invokes[0]
	assert.Equal(t, "INVOKE", tx.Type)
	assert.Equal(t, "0x123", tx.SenderAddress)
	assert.Equal(t, []string{"0x1f", "0x2a"}, tx.Signature)
	assert.Equal(t, "0x5", tx.Nonce)
	assert.Equal(t, "0x3e8", tx.MaxFee)
	assert.Equal(t, "0x1", tx.Version)

	// call array layout: [len, to, selector, offset, len, total, calldata...]
	require.Len(t, tx.Calldata, 9)
	assert.Equal(t, "0x1", tx.Calldata[0])
	assert.Equal(t, "0x49", tx.Calldata[1])
	assert.Equal(t, signer.ToHex(signer.Selector("transfer")), tx.Calldata[2])
	assert.Equal(t, "0xa", tx.Calldata[7])
}

func TestNetwork_DeployAccount(t *testing.T) {
	n, fake := newTestNetwork(t)

	_, err := n.DeployAccountDetails(context.Background(), testAccount)
	assert.ErrorIs(t, err, ErrNotDeployable)

	account := testAccount
	account.Deployment = &wallet.Deployment{ClassHash: "0x99", Salt: "0x7", ConstructorCalldata: []string{"16"}}
	details, err := n.DeployAccountDetails(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, int64(0), details.Nonce.Int64())

	txHash, err := n.SubmitDeployAccount(context.Background(), details, signer.Signature{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc2", txHash)
	require.Len(t, fake.deploys, 1)
	assert.Equal(t, []string{"0x10"}, fake.deploys[0].ConstructorCalldata)
	assert.Equal(t, "0x99", fake.deploys[0].ClassHash)
}

func TestNetwork_Declare(t *testing.T) {
	n, fake := newTestNetwork(t)
	payload := actions.DeclareContractPayload{ClassHash: "0x77", Contract: json.RawMessage(`{"abi":[]}`)}

	details, err := n.DeclareDetails(context.Background(), testAccount, payload)
	require.NoError(t, err)
	assert.Equal(t, "0x77", details.ClassHash)

	txHash, err := n.SubmitDeclare(context.Background(), details, payload, signer.Signature{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc3", txHash)
	require.Len(t, fake.declares, 1)
	assert.JSONEq(t, `{"abi":[]}`, string(fake.declares[0].ContractClass))
}

func TestHexSignature_RejectsGarbage(t *testing.T) {
	_, err := hexSignature(signer.Signature{"not-a-number"})
	assert.Error(t, err)
}
