package background

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/wallet-extension-go/actions"
	"github.com/weisyn/wallet-extension-go/messaging"
	"github.com/weisyn/wallet-extension-go/preauth"
	"github.com/weisyn/wallet-extension-go/shield"
	"github.com/weisyn/wallet-extension-go/signer"
	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/wallet"
)

const testTimeout = 2 * time.Second

var (
	testNetwork = wallet.Network{ID: "sepolia", Name: "Sepolia", ChainID: "0x534e5f5345504f4c4941"}
	testAccount = wallet.Account{Address: "0x123", Network: testNetwork}
)

type fakeSigningService struct {
	err error
}

func (f *fakeSigningService) SignTransaction(ctx context.Context, calls []signer.Call, details *signer.TransactionDetails) (signer.Signature, error) {
	if f.err != nil {
		return nil, f.err
	}
	return signer.Signature{"1", "2"}, nil
}

func (f *fakeSigningService) SignMessage(ctx context.Context, typedData json.RawMessage, accountAddress string) (signer.Signature, error) {
	if f.err != nil {
		return nil, f.err
	}
	return signer.Signature{"3", "4"}, nil
}

func (f *fakeSigningService) SignDeployAccount(ctx context.Context, details *signer.DeployAccountDetails) (signer.Signature, error) {
	return signer.Signature{"5", "6"}, f.err
}

func (f *fakeSigningService) SignDeclare(ctx context.Context, details *signer.DeclareDetails) (signer.Signature, error) {
	return signer.Signature{"7", "8"}, f.err
}

type fakeSigners struct {
	svc *fakeSigningService
}

func (f fakeSigners) SignerFor(ctx context.Context, account wallet.Account) (signer.SigningService, error) {
	return f.svc, nil
}

type fakeNetwork struct {
	mu        sync.Mutex
	submitted [][]signer.Call

	// gate 非空时 SubmitInvoke 等待其关闭
	gate chan struct{}
}

func (f *fakeNetwork) InvokeDetails(ctx context.Context, account wallet.Account, calls []signer.Call) (*signer.TransactionDetails, error) {
	return &signer.TransactionDetails{WalletAddress: account.Address, ChainID: account.Network.ChainID}, nil
}

func (f *fakeNetwork) SubmitInvoke(ctx context.Context, account wallet.Account, calls []signer.Call, details *signer.TransactionDetails, sig signer.Signature) (string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, calls)
	return "0xfeed", nil
}

func (f *fakeNetwork) DeployAccountDetails(ctx context.Context, account wallet.Account) (*signer.DeployAccountDetails, error) {
	return &signer.DeployAccountDetails{ContractAddress: account.Address}, nil
}

func (f *fakeNetwork) SubmitDeployAccount(ctx context.Context, details *signer.DeployAccountDetails, sig signer.Signature) (string, error) {
	return "0xd1", nil
}

func (f *fakeNetwork) DeclareDetails(ctx context.Context, account wallet.Account, payload actions.DeclareContractPayload) (*signer.DeclareDetails, error) {
	return &signer.DeclareDetails{SenderAddress: account.Address, ClassHash: payload.ClassHash}, nil
}

func (f *fakeNetwork) SubmitDeclare(ctx context.Context, details *signer.DeclareDetails, payload actions.DeclareContractPayload, sig signer.Signature) (string, error) {
	return "0xd2", nil
}

func (f *fakeNetwork) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeShield struct {
	email string
	code  string
	// gate 非空时 RequestEmail 等待其关闭
	gate chan struct{}
}

func (f *fakeShield) RequestEmail(ctx context.Context, email string) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if email == "" {
		return types.Errorf(types.ErrValidation, "email is required")
	}
	f.email = email
	return nil
}

func (f *fakeShield) ConfirmEmail(ctx context.Context, otp string) error {
	f.code = otp
	return nil
}

func (f *fakeShield) ResetDevice(ctx context.Context) error {
	f.email = ""
	return nil
}

type fixture struct {
	bus     *messaging.LocalBus
	queue   *actions.Queue
	preauth *preauth.MemoryStore
	session *wallet.MemorySession
	signing *fakeSigningService
	network *fakeNetwork
	shield  *fakeShield
	svc     *Service
}

func newFixture(t *testing.T, accounts ...wallet.Account) *fixture {
	t.Helper()
	f := &fixture{
		bus:     messaging.NewBus(),
		queue:   actions.NewQueue(),
		preauth: preauth.NewMemoryStore(),
		session: wallet.NewMemorySession(accounts...),
		signing: &fakeSigningService{},
		network: &fakeNetwork{},
		shield:  &fakeShield{},
	}
	svc, err := New(Config{
		Bus:     f.bus,
		Queue:   f.queue,
		Preauth: f.preauth,
		Wallet:  f.session,
		Signers: fakeSigners{svc: f.signing},
		Network: f.network,
		Shield:  f.shield,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	f.svc = svc
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		assert.NoError(t, svc.Close(ctx))
		f.bus.Close()
	})
	return f
}

func (f *fixture) request(t *testing.T, typ string, data interface{}, resType string, pred messaging.Predicate) messaging.Message {
	t.Helper()
	msg, err := messaging.Request(context.Background(), f.bus, messaging.MustMessage(typ, data), resType, pred, testTimeout)
	require.NoError(t, err)
	return msg
}

func (f *fixture) push(t *testing.T, typ, resType string, payload interface{}) string {
	t.Helper()
	var res messaging.ActionResData
	require.NoError(t, f.request(t, typ, payload, resType, nil).Decode(&res))
	require.NoError(t, res.Err())
	return res.ActionHash
}

func (f *fixture) approveAndWait(t *testing.T, hash string, completion messaging.Completion) (int, messaging.Message) {
	t.Helper()
	ok := f.bus.Wait(completion.Success, messaging.MatchActionHash(hash))
	fail := f.bus.Wait(completion.Failure, messaging.MatchActionHash(hash))
	require.NoError(t, f.bus.Send(context.Background(), messaging.MustMessage(messaging.TypeApproveAction, messaging.ActionHashData{ActionHash: hash})))
	idx, msg, err := messaging.Race(context.Background(), testTimeout, ok, fail)
	require.NoError(t, err)
	return idx, msg
}

func transferPayload() actions.TransactionPayload {
	return actions.TransactionPayload{Transactions: []signer.Call{{
		ContractAddress: "0x49d3",
		Entrypoint:      "transfer",
		Calldata:        []string{"0x1", "10", "0"},
	}}}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Bus: messaging.NewBus(), Queue: actions.NewQueue(), Preauth: preauth.NewMemoryStore()})
	assert.Error(t, err)
}

func TestService_StartTwice(t *testing.T) {
	f := newFixture(t, testAccount)
	assert.Error(t, f.svc.Start(context.Background()))
}

func TestConnectDapp_PreauthorizedSkipsQueue(t *testing.T) {
	f := newFixture(t, testAccount)
	require.NoError(t, f.preauth.Add(context.Background(), "dapp.example", testAccount.Address))

	msg := f.request(t, messaging.TypeConnectDapp, messaging.HostData{Host: "Dapp.Example"}, messaging.TypeConnectDappRes, nil)

	var res messaging.ConnectDappResData
	require.NoError(t, msg.Decode(&res))
	assert.Equal(t, "0x123", res.Address)
	assert.Equal(t, testNetwork, res.Network)
	assert.Empty(t, res.ActionHash)
	assert.Equal(t, 0, f.queue.Len(), "preauthorized connect never enters the queue")
}

func TestConnectDapp_ApprovalAddsPreauthorization(t *testing.T) {
	f := newFixture(t, testAccount)

	update := f.bus.Wait(messaging.TypeActionsQueueUpdate, nil)
	require.NoError(t, f.bus.Send(context.Background(), messaging.MustMessage(messaging.TypeConnectDapp, messaging.HostData{Host: "dapp.example"})))
	_, err := update.Result(context.Background())
	require.NoError(t, err)

	head := f.queue.Peek()
	require.NotNil(t, head)
	assert.Equal(t, actions.KindConnectDapp, head.Kind)

	completion, _ := messaging.CompletionFor(actions.KindConnectDapp)
	idx, msg := f.approveAndWait(t, head.Hash, completion)
	require.Equal(t, 0, idx)

	var res messaging.ConnectDappResData
	require.NoError(t, msg.Decode(&res))
	assert.Equal(t, "0x123", res.Address)
	assert.Equal(t, head.Hash, res.ActionHash)

	ok, err := f.preauth.IsPreauthorized(context.Background(), "dapp.example", "0x123")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConnectDapp_RejectSendsRejectPreauthorization(t *testing.T) {
	f := newFixture(t, testAccount)
	update := f.bus.Wait(messaging.TypeActionsQueueUpdate, nil)
	require.NoError(t, f.bus.Send(context.Background(), messaging.MustMessage(messaging.TypeConnectDapp, messaging.HostData{Host: "dapp.example"})))
	_, err := update.Result(context.Background())
	require.NoError(t, err)
	hash := f.queue.Peek().Hash

	msg := f.request(t, messaging.TypeRejectAction, messaging.ActionHashesData{ActionHashes: []string{hash}},
		messaging.TypeRejectPreauthorize, messaging.MatchActionHash(hash))
	var res messaging.HostData
	require.NoError(t, msg.Decode(&res))
	assert.Equal(t, "dapp.example", res.Host)
	assert.Equal(t, 0, f.queue.Len())
}

func TestConnectDapp_NoAccountRespondsEmpty(t *testing.T) {
	f := newFixture(t)
	update := f.bus.Wait(messaging.TypeActionsQueueUpdate, nil)
	require.NoError(t, f.bus.Send(context.Background(), messaging.MustMessage(messaging.TypeConnectDapp, messaging.HostData{Host: "dapp.example"})))
	_, err := update.Result(context.Background())
	require.NoError(t, err)

	completion, _ := messaging.CompletionFor(actions.KindConnectDapp)
	idx, msg := f.approveAndWait(t, f.queue.Peek().Hash, completion)
	require.Equal(t, 0, idx)
	var res messaging.ConnectDappResData
	require.NoError(t, msg.Decode(&res))
	assert.Empty(t, res.Address)
}

func TestExecuteTransaction_Submitted(t *testing.T) {
	f := newFixture(t, testAccount)
	payload := transferPayload()

	hash := f.push(t, messaging.TypeExecuteTransaction, messaging.TypeExecuteTxRes, payload)
	want, err := actions.Hash(actions.KindTransaction, payload)
	require.NoError(t, err)
	assert.Equal(t, want, hash, "page and background derive the same hash")

	completion, _ := messaging.CompletionFor(actions.KindTransaction)
	idx, msg := f.approveAndWait(t, hash, completion)
	require.Equal(t, 0, idx)

	var res messaging.SubmittedData
	require.NoError(t, msg.Decode(&res))
	assert.Equal(t, hash, res.ActionHash)
	assert.Equal(t, "0xfeed", res.TxHash)
	assert.Nil(t, f.queue.Peek())
}

func TestExecuteTransaction_SigningFailureSubmitsNothing(t *testing.T) {
	f := newFixture(t, testAccount)
	f.signing.err = types.Errorf(types.ErrCosignerUnavailable, "connection refused")

	hash := f.push(t, messaging.TypeExecuteTransaction, messaging.TypeExecuteTxRes, transferPayload())
	completion, _ := messaging.CompletionFor(actions.KindTransaction)
	idx, msg := f.approveAndWait(t, hash, completion)
	require.Equal(t, 1, idx)

	var res messaging.FailedData
	require.NoError(t, msg.Decode(&res))
	assert.ErrorIs(t, res.Err(), types.ErrCosignerUnavailable)
	assert.Equal(t, 0, f.network.submissions())
}

func TestExecuteTransaction_RejectIsUserAborted(t *testing.T) {
	f := newFixture(t, testAccount)
	hash := f.push(t, messaging.TypeExecuteTransaction, messaging.TypeExecuteTxRes, transferPayload())

	msg := f.request(t, messaging.TypeRejectAction, messaging.ActionHashesData{ActionHashes: []string{hash, "0xunknown"}},
		messaging.TypeTransactionFailed, messaging.MatchActionHash(hash))
	var res messaging.FailedData
	require.NoError(t, msg.Decode(&res))
	assert.ErrorIs(t, res.Err(), types.ErrUserAborted)
}

func TestExecuteTransaction_NoAccount(t *testing.T) {
	f := newFixture(t)
	hash := f.push(t, messaging.TypeExecuteTransaction, messaging.TypeExecuteTxRes, transferPayload())
	completion, _ := messaging.CompletionFor(actions.KindTransaction)
	idx, msg := f.approveAndWait(t, hash, completion)
	require.Equal(t, 1, idx)
	var res messaging.FailedData
	require.NoError(t, msg.Decode(&res))
	assert.ErrorIs(t, res.Err(), types.ErrNoWalletAccount)
}

func TestPush_DuplicateAndInvalid(t *testing.T) {
	f := newFixture(t, testAccount)
	f.push(t, messaging.TypeExecuteTransaction, messaging.TypeExecuteTxRes, transferPayload())

	var res messaging.ActionResData
	require.NoError(t, f.request(t, messaging.TypeExecuteTransaction, transferPayload(), messaging.TypeExecuteTxRes, nil).Decode(&res))
	assert.ErrorIs(t, res.Err(), types.ErrDuplicateAction)
	assert.NotEmpty(t, res.ActionHash)
	assert.Equal(t, 1, f.queue.Len())

	res = messaging.ActionResData{}
	require.NoError(t, f.request(t, messaging.TypeExecuteTransaction, actions.TransactionPayload{}, messaging.TypeExecuteTxRes, nil).Decode(&res))
	assert.ErrorIs(t, res.Err(), types.ErrValidation)
	assert.Equal(t, 1, f.queue.Len())
}

func TestPush_HashNotReusedWhileExecuting(t *testing.T) {
	f := newFixture(t, testAccount)
	f.network.gate = make(chan struct{})
	completion, _ := messaging.CompletionFor(actions.KindTransaction)

	first, err := actions.WithRequestID(transferPayload(), "req-1")
	require.NoError(t, err)
	h1 := f.push(t, messaging.TypeExecuteTransaction, messaging.TypeExecuteTxRes, first)
	done1 := f.bus.Wait(completion.Success, messaging.MatchActionHash(h1))
	require.NoError(t, f.bus.Send(context.Background(), messaging.MustMessage(messaging.TypeApproveAction, messaging.ActionHashData{ActionHash: h1})))
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, testTimeout, 5*time.Millisecond)

	// 同一请求在执行期间重发，不能占用已退役的哈希
	var res messaging.ActionResData
	require.NoError(t, f.request(t, messaging.TypeExecuteTransaction, first, messaging.TypeExecuteTxRes, nil).Decode(&res))
	assert.ErrorIs(t, res.Err(), types.ErrDuplicateAction)
	assert.Equal(t, 0, f.queue.Len())

	second, err := actions.WithRequestID(transferPayload(), "req-2")
	require.NoError(t, err)
	h2 := f.push(t, messaging.TypeExecuteTransaction, messaging.TypeExecuteTxRes, second)
	assert.NotEqual(t, h1, h2)
	done2 := f.bus.Wait(completion.Success, messaging.MatchActionHash(h2))
	defer done2.Cancel()

	close(f.network.gate)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, err := done1.Result(ctx)
	require.NoError(t, err)
	var submitted messaging.SubmittedData
	require.NoError(t, msg.Decode(&submitted))
	assert.Equal(t, h1, submitted.ActionHash)

	select {
	case <-done2.Done():
		t.Fatal("second request resolved by the first execution")
	case <-time.After(50 * time.Millisecond):
	}
	assert.NotNil(t, f.queue.Get(h2), "second request still waits for approval")
}

func TestSignMessage(t *testing.T) {
	f := newFixture(t, testAccount)
	hash := f.push(t, messaging.TypeSignMessage, messaging.TypeSignMessageRes,
		actions.SignMessagePayload{TypedData: json.RawMessage(`{"message":{"a":1}}`)})

	completion, _ := messaging.CompletionFor(actions.KindSignMessage)
	idx, msg := f.approveAndWait(t, hash, completion)
	require.Equal(t, 0, idx)
	var res messaging.SignatureData
	require.NoError(t, msg.Decode(&res))
	assert.Equal(t, signer.Signature{"3", "4"}, res.Signature)
}

func TestDeployContract_GoesThroughUniversalDeployer(t *testing.T) {
	f := newFixture(t, testAccount)
	hash := f.push(t, messaging.TypeRequestDeployContr, messaging.TypeRequestDeployRes,
		actions.DeployContractPayload{ClassHash: "0x55", ConstructorCalldata: []string{"1", "2"}, Unique: true})

	completion, _ := messaging.CompletionFor(actions.KindDeployContract)
	idx, _ := f.approveAndWait(t, hash, completion)
	require.Equal(t, 0, idx)

	f.network.mu.Lock()
	defer f.network.mu.Unlock()
	require.Len(t, f.network.submitted, 1)
	call := f.network.submitted[0][0]
	assert.Equal(t, UniversalDeployerAddress, call.ContractAddress)
	assert.Equal(t, []string{"0x55", "0", "1", "2", "1", "2"}, call.Calldata)
}

func TestDeployAccountAndDeclare(t *testing.T) {
	f := newFixture(t, testAccount)

	hash := f.push(t, messaging.TypeDeployAccount, messaging.TypeDeployAccountRes, actions.DeployAccountPayload{Address: "0x123"})
	completion, _ := messaging.CompletionFor(actions.KindDeployAccount)
	idx, msg := f.approveAndWait(t, hash, completion)
	require.Equal(t, 0, idx)
	var deployed messaging.SubmittedData
	require.NoError(t, msg.Decode(&deployed))
	assert.Equal(t, "0xd1", deployed.TxHash)
	assert.Equal(t, "0x123", deployed.Address)

	hash = f.push(t, messaging.TypeRequestDeclare, messaging.TypeRequestDeclareRes, actions.DeclareContractPayload{ClassHash: "0x77"})
	completion, _ = messaging.CompletionFor(actions.KindDeclareContract)
	idx, msg = f.approveAndWait(t, hash, completion)
	require.Equal(t, 0, idx)
	var declared messaging.SubmittedData
	require.NoError(t, msg.Decode(&declared))
	assert.Equal(t, "0xd2", declared.TxHash)
}

func TestWalletActions(t *testing.T) {
	f := newFixture(t, testAccount)

	hash := f.push(t, messaging.TypeRequestToken, messaging.TypeRequestTokenRes,
		wallet.Token{Address: "0x0049", NetworkID: "sepolia", Symbol: "ETH", Decimals: 18})
	completion, _ := messaging.CompletionFor(actions.KindRequestToken)
	idx, _ := f.approveAndWait(t, hash, completion)
	require.Equal(t, 0, idx)
	require.Len(t, f.session.Tokens(), 1)
	assert.Equal(t, "0x49", f.session.Tokens()[0].Address)

	custom := wallet.Network{ID: "devnet", Name: "Devnet", ChainID: "0x5"}
	hash = f.push(t, messaging.TypeRequestAddNetwork, messaging.TypeAddNetworkRes, custom)
	completion, _ = messaging.CompletionFor(actions.KindAddNetwork)
	idx, _ = f.approveAndWait(t, hash, completion)
	require.Equal(t, 0, idx)

	changed := f.bus.Wait(messaging.TypeNetworkChanged, nil)
	hash = f.push(t, messaging.TypeRequestSwitchNet, messaging.TypeSwitchNetworkRes, actions.SwitchNetworkPayload{ChainID: "0x5"})
	completion, _ = messaging.CompletionFor(actions.KindSwitchNetwork)
	idx, _ = f.approveAndWait(t, hash, completion)
	require.Equal(t, 0, idx)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, err := changed.Result(ctx)
	require.NoError(t, err)
	var net messaging.NetworkChangedData
	require.NoError(t, msg.Decode(&net))
	assert.Equal(t, "0x5", net.Network.ChainID)

	// switching to an unknown chain fails with the reject event
	hash = f.push(t, messaging.TypeRequestSwitchNet, messaging.TypeSwitchNetworkRes, actions.SwitchNetworkPayload{ChainID: "0x999"})
	idx, msg = f.approveAndWait(t, hash, completion)
	require.Equal(t, 1, idx)
	var failed messaging.FailedData
	require.NoError(t, msg.Decode(&failed))
	assert.Contains(t, failed.Error, "network not found")
}

func TestGetActionsAndQueueUpdate(t *testing.T) {
	f := newFixture(t, testAccount)

	update := f.bus.Wait(messaging.TypeActionsQueueUpdate, nil)
	hash := f.push(t, messaging.TypeExecuteTransaction, messaging.TypeExecuteTxRes, transferPayload())
	msg, err := update.Result(context.Background())
	require.NoError(t, err)
	var updated messaging.ActionsData
	require.NoError(t, msg.Decode(&updated))
	require.Len(t, updated.Actions, 1)
	assert.Equal(t, hash, updated.Actions[0].Hash)

	var listed messaging.ActionsData
	require.NoError(t, f.request(t, messaging.TypeGetActions, nil, messaging.TypeGetActionsRes, nil).Decode(&listed))
	require.Len(t, listed.Actions, 1)
	assert.Equal(t, actions.KindTransaction, listed.Actions[0].Kind)
}

func TestPreauthorizationHandlers(t *testing.T) {
	other := wallet.Account{Address: "0x456", Network: testNetwork}
	f := newFixture(t, testAccount, other)
	ctx := context.Background()
	require.NoError(t, f.preauth.Add(ctx, "dapp.example", "0x123"))
	require.NoError(t, f.preauth.Add(ctx, "dapp.example", "0x456"))

	var res messaging.IsPreauthorizedResData
	require.NoError(t, f.request(t, messaging.TypeIsPreauthorized, messaging.HostData{Host: "dapp.example"},
		messaging.TypeIsPreauthorizedRes, nil).Decode(&res))
	assert.True(t, res.Value)

	f.request(t, messaging.TypeRemovePreauthorization, messaging.RemovePreauthorizationData{Host: "dapp.example"},
		messaging.TypeRemovePreauthRes, messaging.MatchField("host", "dapp.example"))
	ok, err := f.preauth.IsPreauthorized(ctx, "dapp.example", "0x123")
	require.NoError(t, err)
	assert.False(t, ok, "defaults to the selected account")

	f.request(t, messaging.TypeRemoveAccount, messaging.AddressData{Address: "0x456"},
		messaging.TypeRemoveAccountRes, nil)
	records, err := f.preauth.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestConnectAccount(t *testing.T) {
	other := wallet.Account{Address: "0x456", Network: testNetwork}
	f := newFixture(t, testAccount, other)

	changed := f.bus.Wait(messaging.TypeSelectedAccountChng, nil)
	var res messaging.ErrorData
	require.NoError(t, f.request(t, messaging.TypeConnectAccount, messaging.AddressData{Address: "0x456"},
		messaging.TypeConnectAccountRes, nil).Decode(&res))
	require.NoError(t, res.Err())

	selected, err := f.session.SelectedAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0x456", selected.Address)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = changed.Result(ctx)
	require.NoError(t, err)

	res = messaging.ErrorData{}
	require.NoError(t, f.request(t, messaging.TypeConnectAccount, messaging.AddressData{Address: "0x999"},
		messaging.TypeConnectAccountRes, nil).Decode(&res))
	assert.Error(t, res.Err())
}

func TestShieldHandlers(t *testing.T) {
	f := newFixture(t, testAccount)

	var res messaging.ErrorData
	require.NoError(t, f.request(t, messaging.TypeShieldRequestEmail, messaging.ShieldEmailData{Email: "a@b.co"},
		messaging.TypeShieldRequestEmailRes, nil).Decode(&res))
	require.NoError(t, res.Err())
	assert.Equal(t, "a@b.co", f.shield.email)

	res = messaging.ErrorData{}
	require.NoError(t, f.request(t, messaging.TypeShieldRequestEmail, messaging.ShieldEmailData{},
		messaging.TypeShieldRequestEmailRes, nil).Decode(&res))
	assert.ErrorIs(t, res.Err(), types.ErrValidation)

	res = messaging.ErrorData{}
	require.NoError(t, f.request(t, messaging.TypeShieldConfirmEmail, messaging.ShieldCodeData{Code: "123456"},
		messaging.TypeShieldConfirmEmailRes, nil).Decode(&res))
	require.NoError(t, res.Err())
	assert.Equal(t, "123456", f.shield.code)

	res = messaging.ErrorData{}
	require.NoError(t, f.request(t, messaging.TypeShieldResetDevice, nil,
		messaging.TypeShieldResetDeviceRes, nil).Decode(&res))
	require.NoError(t, res.Err())
}

func TestShieldRequestEmail_DoesNotBlockLoop(t *testing.T) {
	f := newFixture(t, testAccount)
	gate := make(chan struct{})
	f.shield.gate = gate
	released := false
	release := func() {
		if !released {
			released = true
			close(gate)
		}
	}
	defer release()

	reply := f.bus.Wait(messaging.TypeShieldRequestEmailRes, nil)
	defer reply.Cancel()
	require.NoError(t, f.bus.Send(context.Background(),
		messaging.MustMessage(messaging.TypeShieldRequestEmail, messaging.ShieldEmailData{Email: "a@b.co"})))

	// 远程调用挂起期间其他请求照常应答
	var actionsRes messaging.ActionsData
	require.NoError(t, f.request(t, messaging.TypeGetActions, nil, messaging.TypeGetActionsRes, nil).Decode(&actionsRes))
	assert.Empty(t, actionsRes.Actions)
	select {
	case <-reply.Done():
		t.Fatal("reply sent before the cosigner answered")
	default:
	}

	release()
	select {
	case <-reply.Done():
	case <-time.After(testTimeout):
		t.Fatal("no SHIELD_REQUEST_EMAIL_RES after the cosigner answered")
	}
	msg, err := reply.Result(context.Background())
	require.NoError(t, err)
	var res messaging.ErrorData
	require.NoError(t, msg.Decode(&res))
	require.NoError(t, res.Err())
	assert.Equal(t, "a@b.co", f.shield.email)
}

type fakeStatus struct {
	state shield.State
	route shield.Route
	email string
}

func (f fakeStatus) State(context.Context) (shield.State, error) { return f.state, nil }
func (f fakeStatus) Route(_ context.Context, guardian bool) (shield.Route, error) {
	if !guardian {
		return shield.RouteAction, nil
	}
	return f.route, nil
}
func (f fakeStatus) VerifiedEmail(context.Context) (string, error) { return f.email, nil }
func (f fakeStatus) PendingEmail() string                         { return "" }

func TestShieldStatus(t *testing.T) {
	guarded := testAccount
	guarded.Guardian = "0x9"
	bus := messaging.NewBus()
	defer bus.Close()
	svc, err := New(Config{
		Bus:      bus,
		Queue:    actions.NewQueue(),
		Preauth:  preauth.NewMemoryStore(),
		Wallet:   wallet.NewMemorySession(guarded),
		Verifier: fakeStatus{state: shield.StateExpired, route: shield.RouteOTP, email: "alice@example.com"},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close(context.Background())

	msg, err := messaging.Request(context.Background(), bus, messaging.MustMessage(messaging.TypeShieldStatus, nil),
		messaging.TypeShieldStatusRes, nil, testTimeout)
	require.NoError(t, err)
	var res messaging.ShieldStatusResData
	require.NoError(t, msg.Decode(&res))
	require.NoError(t, res.Err())
	assert.True(t, res.Guardian)
	assert.Equal(t, string(shield.StateExpired), res.State)
	assert.Equal(t, string(shield.RouteOTP), res.Route)
	assert.Equal(t, "a*****@example.com", res.Email)
}

func TestApprove_HeldUntilVerified(t *testing.T) {
	guarded := testAccount
	guarded.Guardian = "0x9"
	bus := messaging.NewBus()
	defer bus.Close()
	queue := actions.NewQueue()
	network := &fakeNetwork{}
	svc, err := New(Config{
		Bus:      bus,
		Queue:    queue,
		Preauth:  preauth.NewMemoryStore(),
		Wallet:   wallet.NewMemorySession(guarded),
		Signers:  fakeSigners{svc: &fakeSigningService{}},
		Network:  network,
		Verifier: fakeStatus{state: shield.StateExpired, route: shield.RouteOTP, email: "alice@example.com"},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close(context.Background())

	tx, err := queue.Push(actions.KindTransaction, transferPayload())
	require.NoError(t, err)
	failed := bus.Wait(messaging.TypeTransactionFailed, messaging.MatchActionHash(tx.Hash))
	defer failed.Cancel()

	msg, err := messaging.Request(context.Background(), bus,
		messaging.MustMessage(messaging.TypeApproveAction, messaging.ActionHashData{ActionHash: tx.Hash}),
		messaging.TypeShieldStatusRes, nil, testTimeout)
	require.NoError(t, err)
	var status messaging.ShieldStatusResData
	require.NoError(t, msg.Decode(&status))
	assert.Equal(t, string(shield.RouteOTP), status.Route)

	select {
	case <-failed.Done():
		t.Fatal("held action must not fail")
	case <-time.After(50 * time.Millisecond):
	}
	assert.NotNil(t, queue.Get(tx.Hash), "action stays pending for re-approval")
	assert.Zero(t, network.submissions())

	// 非签名动作不受验证状态影响
	token, err := queue.Push(actions.KindRequestToken, wallet.Token{Address: "0x49", NetworkID: "sepolia"})
	require.NoError(t, err)
	completion, _ := messaging.CompletionFor(actions.KindRequestToken)
	done := bus.Wait(completion.Success, messaging.MatchActionHash(token.Hash))
	require.NoError(t, bus.Send(context.Background(), messaging.MustMessage(messaging.TypeApproveAction, messaging.ActionHashData{ActionHash: token.Hash})))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = done.Result(ctx)
	require.NoError(t, err)
}

func TestShieldNotConfigured(t *testing.T) {
	bus := messaging.NewBus()
	defer bus.Close()
	svc, err := New(Config{
		Bus:     bus,
		Queue:   actions.NewQueue(),
		Preauth: preauth.NewMemoryStore(),
		Wallet:  wallet.NewMemorySession(testAccount),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close(context.Background())

	msg, err := messaging.Request(context.Background(), bus, messaging.MustMessage(messaging.TypeShieldResetDevice, nil),
		messaging.TypeShieldResetDeviceRes, nil, testTimeout)
	require.NoError(t, err)
	var res messaging.ErrorData
	require.NoError(t, msg.Decode(&res))
	assert.Error(t, res.Err())
}

func TestClose_StopsHandling(t *testing.T) {
	f := newFixture(t, testAccount)
	require.NoError(t, f.svc.Close(context.Background()))
	require.NoError(t, f.svc.Close(context.Background()))

	_, err := messaging.Request(context.Background(), f.bus, messaging.MustMessage(messaging.TypeGetActions, nil),
		messaging.TypeGetActionsRes, nil, 50*time.Millisecond)
	assert.True(t, errors.Is(err, types.ErrTimeout))
}
