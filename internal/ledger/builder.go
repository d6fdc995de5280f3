package ledger

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"solapay/internal/model"
)

// MemoPrefix tags the memo of every transfer built here.
const MemoPrefix = "SolaPay:"

var memoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

var (
	builderPayerAccountCreatedCounter = metrics.GetOrCreateCounter(`ledger_builder_account_created_total{owner="payer"}`)
	builderPayeeAccountCreatedCounter = metrics.GetOrCreateCounter(`ledger_builder_account_created_total{owner="payee"}`)
)

// UnsignedTransaction is a fully specified transfer waiting for the payer's
// signature.
type UnsignedTransaction struct {
	Transaction          *solana.Transaction
	Payer                solana.PublicKey
	Reference            solana.PublicKey
	Total                decimal.Decimal
	Units                uint64
	LastValidBlockHeight uint64
}

// Base64 serializes the transaction with empty signature slots, the format
// wallets expect for signing.
func (u *UnsignedTransaction) Base64() (string, error) {
	tx := *u.Transaction
	if len(tx.Signatures) == 0 {
		tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", errors.Wrap(err, "serialize transaction")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

type Builder struct {
	client   Client
	settings Settings
	logger   *slog.Logger
}

func NewBuilder(client Client, settings Settings, logger *slog.Logger) *Builder {
	return &Builder{client: client, settings: settings, logger: logger}
}

// BuildTransfer assembles the transfer of intent's total payable from
// payerAddress to the configured payee. The only network access is read-only:
// token account existence and the latest blockhash.
func (b *Builder) BuildTransfer(ctx context.Context, payerAddress string, intent *model.PaymentIntent) (*UnsignedTransaction, error) {
	payer, err := ParseAddress(payerAddress)
	if err != nil {
		b.logger.WarnContext(ctx, "Rejected payer address", "address", payerAddress, "reason", addressReason(err))
		return nil, err
	}
	if intent.Status != model.StatusPending {
		return nil, errors.Wrapf(ErrInvalidState, "payment %s is %s", intent.ExternalID, intent.Status)
	}
	if err := b.settings.validate(); err != nil {
		return nil, err
	}
	if payer.Equals(b.settings.Payee) {
		return nil, errors.Wrap(ErrInvalidAddress, "payer cannot be the payee")
	}

	total := intent.Total()
	units, err := ToUnits(total, b.settings.Decimals)
	if err != nil {
		return nil, errors.Wrapf(err, "payment %s", intent.ExternalID)
	}
	if !total.IsPositive() || units == 0 {
		return nil, errors.Wrapf(ErrInvalidAmount, "payment %s totals %s", intent.ExternalID, total)
	}

	mint := b.settings.Mint
	payerAccount, err := TokenAccount(payer, mint)
	if err != nil {
		return nil, err
	}
	payeeAccount, err := TokenAccount(b.settings.Payee, mint)
	if err != nil {
		return nil, err
	}

	var instructions []solana.Instruction

	payerExists, err := b.client.AccountExists(ctx, payerAccount)
	if err != nil {
		return nil, errors.Wrap(err, "check payer token account")
	}
	if !payerExists {
		b.logger.InfoContext(ctx, "Payer token account missing, adding create instruction", "account", payerAccount.String())
		instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(payer, payer, mint).Build())
		builderPayerAccountCreatedCounter.Inc()
	}

	payeeExists, err := b.client.AccountExists(ctx, payeeAccount)
	if err != nil {
		return nil, errors.Wrap(err, "check payee token account")
	}
	if !payeeExists {
		// the payer funds the payee's account rent as well
		b.logger.WarnContext(ctx, "Payee token account missing, adding create instruction", "account", payeeAccount.String())
		instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(payer, b.settings.Payee, mint).Build())
		builderPayeeAccountCreatedCounter.Inc()
	}

	reference := Reference(intent.ExternalID)
	transfer, err := withReadonlyAccount(
		token.NewTransferCheckedInstruction(units, b.settings.Decimals, payerAccount, mint, payeeAccount, payer, nil).Build(),
		reference,
	)
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, transfer, memoInstruction(intent.ExternalID))

	blockhash, err := b.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch latest blockhash")
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Hash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, errors.Wrap(err, "assemble transaction")
	}

	b.logger.InfoContext(ctx, "Built transfer transaction",
		"payer", payer.String(),
		"units", units,
		"instructions", len(instructions),
		"reference", reference.String(),
	)

	return &UnsignedTransaction{
		Transaction:          tx,
		Payer:                payer,
		Reference:            reference,
		Total:                total,
		Units:                units,
		LastValidBlockHeight: blockhash.LastValidBlockHeight,
	}, nil
}

// withReadonlyAccount appends account as a read-only, non-signer key so the
// transaction can be found by querying signatures for that account.
func withReadonlyAccount(ix solana.Instruction, account solana.PublicKey) (solana.Instruction, error) {
	data, err := ix.Data()
	if err != nil {
		return nil, errors.Wrap(err, "encode transfer instruction")
	}

	accounts := make(solana.AccountMetaSlice, 0, len(ix.Accounts())+1)
	accounts = append(accounts, ix.Accounts()...)
	accounts = append(accounts, solana.NewAccountMeta(account, false, false))

	return solana.NewInstruction(ix.ProgramID(), accounts, data), nil
}

func memoInstruction(externalID string) solana.Instruction {
	return solana.NewInstruction(memoProgramID, solana.AccountMetaSlice{}, []byte(MemoPrefix+externalID))
}
