package ledger

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/pkg/errors"
)

var maxTransactionVersion uint64 = 0

// RPCClient implements Client over the Solana JSON-RPC API.
type RPCClient struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

// NewRPCClient talks to endpoint through httpClient. Reads use commitment,
// which the node only accepts as confirmed or finalized for transactions.
func NewRPCClient(endpoint string, commitment rpc.CommitmentType, httpClient *http.Client) *RPCClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	transport := jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{HTTPClient: httpClient})
	return &RPCClient{
		rpc:        rpc.NewWithCustomRPCClient(transport),
		commitment: commitment,
	}
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return Blockhash{}, errors.Wrap(err, "getLatestBlockhash")
	}
	if out == nil || out.Value == nil {
		return Blockhash{}, errors.New("getLatestBlockhash: empty response")
	}
	return Blockhash{Hash: out.Value.Blockhash, LastValidBlockHeight: out.Value.LastValidBlockHeight}, nil
}

func (c *RPCClient) AccountExists(ctx context.Context, address solana.PublicKey) (bool, error) {
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
		Encoding:   solana.EncodingBase64,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "getAccountInfo %s", address)
	}
	return out != nil && out.Value != nil, nil
}

func (c *RPCClient) SignatureStatus(ctx context.Context, signature solana.Signature) (*SignatureStatus, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, signature)
	if err != nil {
		return nil, errors.Wrapf(err, "getSignatureStatuses %s", signature)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}
	return &SignatureStatus{
		ConfirmationStatus: out.Value[0].ConfirmationStatus,
		Err:                out.Value[0].Err,
	}, nil
}

func (c *RPCClient) Transaction(ctx context.Context, signature solana.Signature) (*TransactionRecord, error) {
	out, err := c.rpc.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxTransactionVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, errors.Wrapf(ErrTransactionNotFound, "%s", signature)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getTransaction %s", signature)
	}
	if out == nil || out.Transaction == nil || out.Meta == nil {
		return nil, errors.Wrapf(ErrTransactionNotFound, "%s", signature)
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, errors.Wrapf(err, "decode transaction %s", signature)
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys)+len(out.Meta.LoadedAddresses.Writable)+len(out.Meta.LoadedAddresses.ReadOnly))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, out.Meta.LoadedAddresses.Writable...)
	keys = append(keys, out.Meta.LoadedAddresses.ReadOnly...)

	record := &TransactionRecord{
		Signature:   signature,
		Slot:        out.Slot,
		AccountKeys: keys,
		Err:         out.Meta.Err,
	}
	if len(keys) > 0 {
		record.FeePayer = keys[0]
	}
	if out.BlockTime != nil {
		blockTime := out.BlockTime.Time()
		record.BlockTime = &blockTime
	}
	if record.PreTokenBalances, err = tokenBalances(out.Meta.PreTokenBalances, keys); err != nil {
		return nil, err
	}
	if record.PostTokenBalances, err = tokenBalances(out.Meta.PostTokenBalances, keys); err != nil {
		return nil, err
	}

	return record, nil
}

func tokenBalances(balances []rpc.TokenBalance, keys []solana.PublicKey) ([]TokenBalance, error) {
	result := make([]TokenBalance, 0, len(balances))
	for _, b := range balances {
		if b.UiTokenAmount == nil {
			continue
		}
		amount, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "token balance amount %q", b.UiTokenAmount.Amount)
		}

		balance := TokenBalance{
			Mint:     b.Mint,
			Amount:   amount,
			Decimals: b.UiTokenAmount.Decimals,
		}
		if int(b.AccountIndex) < len(keys) {
			balance.Account = keys[b.AccountIndex]
		}
		if b.Owner != nil {
			balance.Owner = *b.Owner
		}
		result = append(result, balance)
	}
	return result, nil
}
