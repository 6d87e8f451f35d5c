// Package memledger is an in-process ledger with a native claim registry and an
// ERC-2771 forwarder. It backs local development and tests.
package memledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"anchorid/internal/chain"
	"anchorid/internal/identity"
	"anchorid/pkg/platform/sentinel"
)

// Default contract addresses.
var (
	DefaultRegistry  = identity.MustParse("0x00000000000000000000000000000000000c1a11")
	DefaultForwarder = identity.MustParse("0x00000000000000000000000000000000000f0a4d")
)

// IntrinsicGas is the minimum gas a transaction must carry.
const IntrinsicGas = 21_000

// Ledger executes transactions one at a time in arrival order.
type Ledger struct {
	mu sync.Mutex

	chainID    *big.Int
	registry   identity.Address
	forwarder  identity.Address
	domainName string
	domainVer  string
	custodians map[identity.Address]bool
	gasPrice   *big.Int
	manual     bool
	now        func() time.Time

	claims      map[identity.Address]map[chain.Hash]chain.Hash
	nonces      map[identity.Address]uint64
	fwdNonces   map[identity.Address]uint64
	balances    map[identity.Address]*big.Int
	receipts    map[chain.Hash]*chain.Receipt
	pending     []*chain.SignedTransaction
	pendingSeen map[chain.Hash]bool
	block       uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithChainID(id int64) Option {
	return func(l *Ledger) { l.chainID = big.NewInt(id) }
}

// WithCustodian authorizes account to write claims for any subject.
func WithCustodian(account identity.Address) Option {
	return func(l *Ledger) { l.custodians[account] = true }
}

// WithManualMining queues transactions until Mine is called.
func WithManualMining() Option {
	return func(l *Ledger) { l.manual = true }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithGasPrice charges gas*price against the sender balance. Zero disables charging.
func WithGasPrice(price int64) Option {
	return func(l *Ledger) { l.gasPrice = big.NewInt(price) }
}

func WithBalance(account identity.Address, amount *big.Int) Option {
	return func(l *Ledger) { l.balances[account] = new(big.Int).Set(amount) }
}

func WithForwarderDomain(name, version string) Option {
	return func(l *Ledger) {
		l.domainName = name
		l.domainVer = version
	}
}

func WithContracts(registry, forwarder identity.Address) Option {
	return func(l *Ledger) {
		l.registry = registry
		l.forwarder = forwarder
	}
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		chainID:     big.NewInt(31337),
		registry:    DefaultRegistry,
		forwarder:   DefaultForwarder,
		domainName:  "ERC2771Forwarder",
		domainVer:   "1",
		custodians:  make(map[identity.Address]bool),
		gasPrice:    big.NewInt(0),
		now:         time.Now,
		claims:      make(map[identity.Address]map[chain.Hash]chain.Hash),
		nonces:      make(map[identity.Address]uint64),
		fwdNonces:   make(map[identity.Address]uint64),
		balances:    make(map[identity.Address]*big.Int),
		receipts:    make(map[chain.Hash]*chain.Receipt),
		pendingSeen: make(map[chain.Hash]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Registry() identity.Address  { return l.registry }
func (l *Ledger) Forwarder() identity.Address { return l.forwarder }

// Domain is the forwarder's EIP-712 domain.
func (l *Ledger) Domain() chain.Domain {
	return chain.Domain{
		Name:              l.domainName,
		Version:           l.domainVer,
		ChainID:           new(big.Int).Set(l.chainID),
		VerifyingContract: l.forwarder,
	}
}

func (l *Ledger) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(l.chainID), nil
}

// Balance returns the account's remaining balance.
func (l *Ledger) Balance(account identity.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// Call executes a read-only method against the registry or forwarder.
func (l *Ledger) Call(_ context.Context, msg chain.CallMsg) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case msg.To == l.registry && chain.MethodOf(msg.Data) == chain.SigGetClaim:
		subject, key, err := chain.DecodeGetClaim(msg.Data)
		if err != nil {
			return nil, err
		}
		v := l.claims[subject][key]
		return v[:], nil
	case msg.To == l.forwarder && chain.MethodOf(msg.Data) == chain.SigNonces:
		account, err := chain.DecodeNonces(msg.Data)
		if err != nil {
			return nil, err
		}
		word := chain.BytesToHash(new(big.Int).SetUint64(l.fwdNonces[account]).Bytes())
		return word[:], nil
	default:
		return nil, fmt.Errorf("%w: no read method at %s", chain.ErrReverted, msg.To)
	}
}

// PendingNonce counts mined and queued transactions from account.
func (l *Ledger) PendingNonce(_ context.Context, account identity.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingNonceLocked(account), nil
}

func (l *Ledger) pendingNonceLocked(account identity.Address) uint64 {
	n := l.nonces[account]
	for _, tx := range l.pending {
		if from, err := tx.Sender(); err == nil && from == account {
			n++
		}
	}
	return n
}

// SendTransaction validates tx and either executes it or queues it for Mine.
func (l *Ledger) SendTransaction(_ context.Context, tx *chain.SignedTransaction) (chain.Hash, error) {
	if tx == nil {
		return chain.ZeroHash, errors.New("memledger: nil transaction")
	}
	from, err := tx.Sender()
	if err != nil {
		return chain.ZeroHash, fmt.Errorf("%w: %v", chain.ErrBadSignature, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.Tx.ChainID == nil || tx.Tx.ChainID.Cmp(l.chainID) != 0 {
		return chain.ZeroHash, chain.ErrWrongChain
	}
	if want := l.pendingNonceLocked(from); tx.Tx.Nonce != want {
		return chain.ZeroHash, fmt.Errorf("%w: have %d want %d", chain.ErrNonceMismatch, tx.Tx.Nonce, want)
	}
	if tx.Tx.Gas < IntrinsicGas {
		return chain.ZeroHash, fmt.Errorf("memledger: gas %d below intrinsic %d", tx.Tx.Gas, IntrinsicGas)
	}
	if cost := l.gasCost(tx.Tx.Gas); cost.Sign() > 0 && l.balanceLocked(from).Cmp(cost) < 0 {
		return chain.ZeroHash, chain.ErrInsufficient
	}

	h := tx.Hash()
	if l.manual {
		l.pending = append(l.pending, tx)
		l.pendingSeen[h] = true
		return h, nil
	}
	l.executeLocked(from, tx)
	return h, nil
}

// Mine executes every queued transaction and returns how many were mined.
func (l *Ledger) Mine() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	queued := l.pending
	l.pending = nil
	for _, tx := range queued {
		delete(l.pendingSeen, tx.Hash())
		from, err := tx.Sender()
		if err != nil {
			continue
		}
		l.executeLocked(from, tx)
	}
	return len(queued)
}

func (l *Ledger) Receipt(_ context.Context, txHash chain.Hash) (*chain.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.receipts[txHash]; ok {
		cp := *r
		return &cp, nil
	}
	if l.pendingSeen[txHash] {
		return nil, chain.ErrReceiptPending
	}
	return nil, chain.ErrUnknownTx
}

func (l *Ledger) gasCost(gas uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gas), l.gasPrice)
}

func (l *Ledger) balanceLocked(account identity.Address) *big.Int {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return big.NewInt(0)
}

func (l *Ledger) executeLocked(from identity.Address, tx *chain.SignedTransaction) {
	l.block++
	l.nonces[from]++
	gasUsed := uint64(IntrinsicGas + 16*len(tx.Tx.Data))
	if gasUsed > tx.Tx.Gas {
		gasUsed = tx.Tx.Gas
	}
	if cost := l.gasCost(gasUsed); cost.Sign() > 0 {
		l.balances[from] = new(big.Int).Sub(l.balanceLocked(from), cost)
	}

	receipt := &chain.Receipt{
		TxHash:      tx.Hash(),
		Status:      chain.ReceiptStatusSucceeded,
		BlockNumber: l.block,
		GasUsed:     gasUsed,
	}
	if err := l.dispatchLocked(from, tx.Tx.To, tx.Tx.Data); err != nil {
		receipt.Status = chain.ReceiptStatusFailed
		receipt.RevertReason = err.Error()
	}
	l.receipts[receipt.TxHash] = receipt
}

func (l *Ledger) dispatchLocked(caller, to identity.Address, data []byte) error {
	switch to {
	case l.registry:
		return l.setClaimLocked(caller, data)
	case l.forwarder:
		return l.executeForwardLocked(data)
	default:
		return fmt.Errorf("no contract at %s", to)
	}
}

// setClaimLocked trusts the forwarder to append the original sender to calldata.
func (l *Ledger) setClaimLocked(caller identity.Address, data []byte) error {
	sender := caller
	if caller == l.forwarder && len(data) >= identity.AddressLength {
		sender = identity.AddressFromBytes(data[len(data)-identity.AddressLength:])
		data = data[:len(data)-identity.AddressLength]
	}
	subject, key, value, err := chain.DecodeSetClaim(data)
	if err != nil {
		return err
	}
	if sender != subject && !l.custodians[sender] {
		return fmt.Errorf("unauthorized: %s cannot write claims for %s", sender, subject)
	}
	if l.claims[subject] == nil {
		l.claims[subject] = make(map[chain.Hash]chain.Hash)
	}
	l.claims[subject][key] = value
	return nil
}

func (l *Ledger) executeForwardLocked(data []byte) error {
	req, sig, err := chain.DecodeExecute(data)
	if err != nil {
		return err
	}
	if req.Deadline < uint64(l.now().Unix()) {
		return fmt.Errorf("forwarder: request %w", sentinel.ErrExpired)
	}
	signer, err := req.RecoverSigner(l.Domain(), sig)
	if err != nil || signer != req.From {
		return errors.New("forwarder: invalid signer")
	}
	if req.Nonce != l.fwdNonces[req.From] {
		return fmt.Errorf("forwarder: invalid nonce %d", req.Nonce)
	}
	inner := append(append([]byte{}, req.Data...), req.From.Bytes()...)
	if err := l.dispatchLocked(l.forwarder, req.To, inner); err != nil {
		return fmt.Errorf("forwarder: call failed: %w", err)
	}
	l.fwdNonces[req.From]++
	return nil
}

var _ chain.Client = (*Ledger)(nil)
