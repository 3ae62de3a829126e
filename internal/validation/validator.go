package validation

import (
	"github.com/benbjohnson/clock"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"bundlegate/internal/bundle"
	"bundlegate/internal/decision"
	"bundlegate/internal/policy"
)

const (
	minAttestationVersion = 1
	maxAttestationVersion = 10
)

// Validator performs structural and semantic checks on a bundle.
// It never mutates its input and keeps no state between calls.
type Validator struct {
	clock  clock.Clock
	logger zerolog.Logger
}

// New returns a Validator reading the evaluation time from clk.
func New(clk clock.Clock, logger zerolog.Logger) *Validator {
	if clk == nil {
		clk = clock.New()
	}
	return &Validator{clock: clk, logger: logger.With().Str("component", "validator").Logger()}
}

// Validate returns nil when b is structurally admissible, otherwise a
// *decision.Rejection describing the first failed check.
func (v *Validator) Validate(b *bundle.Bundle, p policy.Policy) error {
	err := v.check(b, p)
	if err != nil {
		reason, _ := decision.ReasonOf(err)
		v.logger.Debug().Str("reason", string(reason)).Err(err).Msg("bundle failed validation")
	}
	return err
}

func (v *Validator) check(b *bundle.Bundle, p policy.Policy) error {
	if b == nil {
		return decision.Reject(decision.ReasonNullInput, "bundle is nil")
	}
	if b.TransactionCount == 0 {
		return decision.Reject(decision.ReasonEmptyBundle, "transaction_count is zero")
	}
	txs, ok := b.Txs()
	if !ok {
		return decision.Reject(decision.ReasonNullData, "declared %d transactions, %d reachable", b.TransactionCount, len(b.Transactions))
	}

	if err := v.validateMetadata(&b.Metadata, p.MaxTimestampSkewSeconds); err != nil {
		return err
	}
	if b.Attestation != nil {
		if err := validateAttestation(b.Attestation); err != nil {
			return err
		}
	}
	for i := range txs {
		if err := validateTransaction(i, &txs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateMetadata(m *bundle.Metadata, maxSkew uint64) error {
	if m.Slot == 0 {
		return decision.Reject(decision.ReasonInvalidSlot, "slot is zero")
	}
	now := uint64(max(v.clock.Now().Unix(), 0))
	var skew uint64
	if now >= m.Timestamp {
		skew = now - m.Timestamp
	} else {
		skew = m.Timestamp - now
	}
	if skew > maxSkew {
		return decision.Reject(decision.ReasonTimestampOutOfRange, "timestamp %d is %ds from now", m.Timestamp, skew)
	}
	if m.LeaderPubkey == (solana.PublicKey{}) {
		return decision.Reject(decision.ReasonInvalidLeader, "leader pubkey is zero")
	}
	return nil
}

func validateAttestation(a *bundle.Attestation) error {
	if a.Version < minAttestationVersion || a.Version > maxAttestationVersion {
		return decision.Reject(decision.ReasonInvalidAttestation, "version %d outside %d..%d", a.Version, minAttestationVersion, maxAttestationVersion)
	}
	if a.NodeID == (solana.PublicKey{}) {
		return decision.Reject(decision.ReasonInvalidAttestation, "node id is zero")
	}
	if a.BundleHash == (solana.Hash{}) {
		return decision.Reject(decision.ReasonInvalidAttestation, "bundle hash is zero")
	}
	if a.Report != nil && len(a.Report) == 0 {
		return decision.Reject(decision.ReasonInvalidAttestation, "report present but empty")
	}
	return nil
}

func validateTransaction(i int, tx *bundle.Transaction) error {
	if tx.SignatureCount == 0 || tx.SignatureCount > bundle.MaxSignatures {
		return decision.Reject(decision.ReasonInvalidSignatures, "tx %d: signature count %d outside 1..%d", i, tx.SignatureCount, bundle.MaxSignatures)
	}
	if _, ok := tx.Sigs(); !ok {
		return decision.Reject(decision.ReasonInvalidSignatures, "tx %d: signature data unreachable", i)
	}
	if err := validateMessage(i, &tx.Message); err != nil {
		return err
	}
	if tx.ComputeLimit == 0 || tx.ComputeLimit > bundle.MaxComputeLimit {
		return decision.Reject(decision.ReasonInvalidComputeLimit, "tx %d: compute limit %d outside 1..%d", i, tx.ComputeLimit, bundle.MaxComputeLimit)
	}
	return nil
}

func validateMessage(i int, m *bundle.Message) error {
	switch {
	case m.Header.NumRequiredSignatures == 0:
		return decision.Reject(decision.ReasonInvalidMessage, "tx %d: no required signatures", i)
	case int(m.Header.NumRequiredSignatures) > len(m.AccountKeys):
		return decision.Reject(decision.ReasonInvalidMessage, "tx %d: %d required signatures for %d accounts", i, m.Header.NumRequiredSignatures, len(m.AccountKeys))
	case len(m.AccountKeys) == 0:
		return decision.Reject(decision.ReasonInvalidMessage, "tx %d: no account keys", i)
	case len(m.Instructions) == 0:
		return decision.Reject(decision.ReasonInvalidMessage, "tx %d: no instructions", i)
	case m.RecentBlockhash == (solana.Hash{}):
		return decision.Reject(decision.ReasonInvalidMessage, "tx %d: recent blockhash is zero", i)
	}
	return nil
}
