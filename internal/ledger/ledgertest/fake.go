// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"solapay/internal/ledger"
)

// Ledger is a ledger.Client backed by maps. Statuses are served in order,
// the last one repeating.
type Ledger struct {
	mu sync.Mutex

	Blockhash    ledger.Blockhash
	accounts     map[solana.PublicKey]bool
	statuses     map[solana.Signature][]*ledger.SignatureStatus
	transactions map[solana.Signature]*ledger.TransactionRecord

	StatusErr      error
	TransactionErr error
	AccountErr     error
	BlockhashErr   error

	StatusCalls      int
	TransactionCalls int
}

func New() *Ledger {
	return &Ledger{
		Blockhash: ledger.Blockhash{
			Hash:                 solana.HashFromBytes(make([]byte, 32)),
			LastValidBlockHeight: 1000,
		},
		accounts:     make(map[solana.PublicKey]bool),
		statuses:     make(map[solana.Signature][]*ledger.SignatureStatus),
		transactions: make(map[solana.Signature]*ledger.TransactionRecord),
	}
}

func (l *Ledger) AddAccount(address solana.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = true
}

// SetStatuses queues the statuses returned for signature. A nil entry means
// the signature is not yet visible.
func (l *Ledger) SetStatuses(signature solana.Signature, statuses ...*ledger.SignatureStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[signature] = statuses
}

func (l *Ledger) AddTransaction(record *ledger.TransactionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transactions[record.Signature] = record
}

// Land records a successful transaction and marks it confirmed.
func (l *Ledger) Land(record *ledger.TransactionRecord) {
	l.AddTransaction(record)
	l.SetStatuses(record.Signature, Status(rpc.ConfirmationStatusConfirmed))
}

func (l *Ledger) Calls() (status, transaction int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.StatusCalls, l.TransactionCalls
}

func (l *Ledger) LatestBlockhash(context.Context) (ledger.Blockhash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.BlockhashErr != nil {
		return ledger.Blockhash{}, l.BlockhashErr
	}
	return l.Blockhash, nil
}

func (l *Ledger) AccountExists(_ context.Context, address solana.PublicKey) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AccountErr != nil {
		return false, l.AccountErr
	}
	return l.accounts[address], nil
}

func (l *Ledger) SignatureStatus(_ context.Context, signature solana.Signature) (*ledger.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.StatusCalls++
	if l.StatusErr != nil {
		return nil, l.StatusErr
	}

	queue := l.statuses[signature]
	if len(queue) == 0 {
		return nil, nil
	}
	status := queue[0]
	if len(queue) > 1 {
		l.statuses[signature] = queue[1:]
	}
	return status, nil
}

func (l *Ledger) Transaction(_ context.Context, signature solana.Signature) (*ledger.TransactionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.TransactionCalls++
	if l.TransactionErr != nil {
		return nil, l.TransactionErr
	}

	record, ok := l.transactions[signature]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return record, nil
}

func Status(confirmation rpc.ConfirmationStatusType) *ledger.SignatureStatus {
	return &ledger.SignatureStatus{ConfirmationStatus: confirmation}
}

func FailedStatus(onChainErr any) *ledger.SignatureStatus {
	return &ledger.SignatureStatus{ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Err: onChainErr}
}

func NewSignature() solana.Signature {
	var sig solana.Signature
	_, _ = rand.Read(sig[:])
	return sig
}

func NewAddress() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

// Transfer describes a token transfer to record on the fake ledger.
type Transfer struct {
	Signature solana.Signature
	Payer     solana.PublicKey
	Payee     solana.PublicKey
	Mint      solana.PublicKey
	Decimals  uint8
	// PayeeBefore and Units are in the token's smallest denomination.
	PayeeBefore uint64
	Units       uint64
	Reference   solana.PublicKey
	Err         any
}

// Record builds the transaction record a node would return for t.
func (t Transfer) Record() *ledger.TransactionRecord {
	payerAccount, _ := ledger.TokenAccount(t.Payer, t.Mint)
	payeeAccount, _ := ledger.TokenAccount(t.Payee, t.Mint)

	keys := []solana.PublicKey{t.Payer, payerAccount, payeeAccount, t.Mint}
	if !t.Reference.IsZero() {
		keys = append(keys, t.Reference)
	}

	post := t.PayeeBefore + t.Units
	if t.Err != nil {
		post = t.PayeeBefore
	}

	return &ledger.TransactionRecord{
		Signature:   t.Signature,
		Slot:        42,
		FeePayer:    t.Payer,
		AccountKeys: keys,
		Err:         t.Err,
		PreTokenBalances: []ledger.TokenBalance{
			{Account: payerAccount, Owner: t.Payer, Mint: t.Mint, Amount: t.Units * 10, Decimals: t.Decimals},
			{Account: payeeAccount, Owner: t.Payee, Mint: t.Mint, Amount: t.PayeeBefore, Decimals: t.Decimals},
		},
		PostTokenBalances: []ledger.TokenBalance{
			{Account: payerAccount, Owner: t.Payer, Mint: t.Mint, Amount: t.Units*10 - (post - t.PayeeBefore), Decimals: t.Decimals},
			{Account: payeeAccount, Owner: t.Payee, Mint: t.Mint, Amount: post, Decimals: t.Decimals},
		},
	}
}
