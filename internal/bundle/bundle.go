package bundle

import (
	"encoding/json"

	"github.com/gagliardetto/solana-go"
)

const (
	// MaxSignatures bounds the signature count of a single transaction.
	MaxSignatures = 8
	// MaxComputeLimit is the highest compute budget a transaction may request.
	MaxComputeLimit = 1_400_000
	// DiscriminatorLen is the width of the instruction selector prefix.
	DiscriminatorLen = 8
)

// Bundle is a batch of transactions admitted or refused as a unit.
// TransactionCount is the count declared by the submitter; Transactions is the
// backing sequence and may be shorter when the submitter lied about it.
type Bundle struct {
	TransactionCount uint32        `json:"transaction_count"`
	Transactions     []Transaction `json:"transactions"`
	Metadata         Metadata      `json:"metadata"`
	Attestation      *Attestation  `json:"attestation,omitempty"`
}

// Transaction is one signed transaction inside a bundle.
type Transaction struct {
	SignatureCount uint8              `json:"signature_count"`
	Signatures     []solana.Signature `json:"signatures"`
	Message        Message            `json:"message"`
	PriorityFee    uint64             `json:"priority_fee"`
	ComputeLimit   uint32             `json:"compute_limit"`
}

// Header mirrors the legacy message header.
type Header struct {
	NumRequiredSignatures       uint8 `json:"num_required_signatures"`
	NumReadonlySignedAccounts   uint8 `json:"num_readonly_signed_accounts"`
	NumReadonlyUnsignedAccounts uint8 `json:"num_readonly_unsigned_accounts"`
}

// Message is the signed payload of a transaction.
type Message struct {
	Header          Header                `json:"header"`
	AccountKeys     []solana.PublicKey    `json:"account_keys"`
	RecentBlockhash solana.Hash           `json:"recent_blockhash"`
	Instructions    []CompiledInstruction `json:"instructions"`
}

// CompiledInstruction references its program and accounts by index into the message keys.
type CompiledInstruction struct {
	ProgramIDIndex uint8   `json:"program_id_index"`
	Accounts       []uint8 `json:"accounts"`
	Data           []byte  `json:"data"`
}

// Metadata carries relay-level facts about the bundle.
type Metadata struct {
	Slot         uint64           `json:"slot"`
	Timestamp    uint64           `json:"timestamp"`
	LeaderPubkey solana.PublicKey `json:"leader_pubkey"`
	PluginFees   uint64           `json:"plugin_fees"`
	TipAmount    uint64           `json:"tip_amount"`
}

// Attestation is an optional proof produced by the submitting node.
// A nil Report means no report; a non-nil empty Report is malformed.
type Attestation struct {
	Version    uint32           `json:"version"`
	NodeID     solana.PublicKey `json:"node_id"`
	BundleHash solana.Hash      `json:"bundle_hash"`
	Timestamp  uint64           `json:"timestamp"`
	Signature  solana.Signature `json:"signature"`
	Report     []byte           `json:"report"`
}

// Txs returns the declared transactions. The second result is false when the
// backing sequence cannot hold TransactionCount entries.
func (b *Bundle) Txs() ([]Transaction, bool) {
	if b == nil || b.Transactions == nil {
		return nil, false
	}
	if uint64(len(b.Transactions)) < uint64(b.TransactionCount) {
		return nil, false
	}
	return b.Transactions[:b.TransactionCount], true
}

// Sigs returns the declared signatures, false when the backing data is short.
func (t *Transaction) Sigs() ([]solana.Signature, bool) {
	if t.Signatures == nil || len(t.Signatures) < int(t.SignatureCount) {
		return nil, false
	}
	return t.Signatures[:t.SignatureCount], true
}

// AccountKey resolves an account index against the message keys.
func (m *Message) AccountKey(index uint8) (solana.PublicKey, bool) {
	if int(index) >= len(m.AccountKeys) {
		return solana.PublicKey{}, false
	}
	return m.AccountKeys[index], true
}

// ProgramID resolves the program key invoked by ix.
func (m *Message) ProgramID(ix *CompiledInstruction) (solana.PublicKey, bool) {
	return m.AccountKey(ix.ProgramIDIndex)
}

// Discriminator returns the leading selector bytes of the instruction payload.
func (ix *CompiledInstruction) Discriminator() ([DiscriminatorLen]byte, bool) {
	var out [DiscriminatorLen]byte
	if len(ix.Data) < DiscriminatorLen {
		return out, false
	}
	copy(out[:], ix.Data[:DiscriminatorLen])
	return out, true
}

// FirstAccount returns the key of the first account the instruction references.
func (m *Message) FirstAccount(ix *CompiledInstruction) (solana.PublicKey, bool) {
	if len(ix.Accounts) == 0 {
		return solana.PublicKey{}, false
	}
	return m.AccountKey(ix.Accounts[0])
}

// UnmarshalJSON defaults transaction_count to the number of transactions when absent.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	type plain Bundle
	aux := struct {
		*plain
		TransactionCount *uint32 `json:"transaction_count"`
	}{plain: (*plain)(b)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.TransactionCount != nil {
		b.TransactionCount = *aux.TransactionCount
	} else {
		b.TransactionCount = uint32(len(b.Transactions))
	}
	return nil
}

// UnmarshalJSON defaults signature_count to the number of signatures when absent.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	type plain Transaction
	aux := struct {
		*plain
		SignatureCount *uint8 `json:"signature_count"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.SignatureCount != nil {
		t.SignatureCount = *aux.SignatureCount
	} else {
		t.SignatureCount = uint8(min(len(t.Signatures), 255))
	}
	return nil
}
