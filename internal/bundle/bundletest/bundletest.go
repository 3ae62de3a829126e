// Package bundletest builds well-formed bundles for tests.
package bundletest

import (
	"time"

	"github.com/gagliardetto/solana-go"

	"bundlegate/internal/bundle"
)

// Key returns a deterministic non-zero public key.
func Key(seed byte) solana.PublicKey {
	var k solana.PublicKey
	for i := range k {
		k[i] = seed
	}
	k[0] = 0xA0 | (seed & 0x0F)
	k[31] = seed + 1
	return k
}

// Sig returns a deterministic signature.
func Sig(seed byte) solana.Signature {
	var s solana.Signature
	for i := range s {
		s[i] = seed + byte(i)
	}
	return s
}

// Blockhash returns a non-zero blockhash.
func Blockhash() solana.Hash {
	var h solana.Hash
	for i := range h {
		h[i] = byte(i + 1)
	}
	return h
}

// Instruction builds an instruction invoking the program at index 1.
func Instruction(data []byte, accounts ...uint8) bundle.CompiledInstruction {
	return bundle.CompiledInstruction{ProgramIDIndex: 1, Accounts: accounts, Data: data}
}

// Payload prefixes an 8-byte discriminator to optional trailing bytes.
func Payload(disc [8]byte, rest ...byte) []byte {
	return append(disc[:], rest...)
}

// Tx builds a single-signature transaction. Account keys are generated so
// that every index referenced by ixs resolves; index i maps to Key(i+1).
// With no instructions a plain transfer-like instruction is used.
func Tx(priorityFee uint64, computeLimit uint32, ixs ...bundle.CompiledInstruction) bundle.Transaction {
	if len(ixs) == 0 {
		ixs = []bundle.CompiledInstruction{Instruction([]byte{2, 0, 0, 0}, 0)}
	}
	highest := 1
	for _, ix := range ixs {
		highest = max(highest, int(ix.ProgramIDIndex))
		for _, a := range ix.Accounts {
			highest = max(highest, int(a))
		}
	}
	keys := make([]solana.PublicKey, highest+1)
	for i := range keys {
		keys[i] = Key(byte(i + 1))
	}
	return bundle.Transaction{
		SignatureCount: 1,
		Signatures:     []solana.Signature{Sig(7)},
		Message: bundle.Message{
			Header:          bundle.Header{NumRequiredSignatures: 1},
			AccountKeys:     keys,
			RecentBlockhash: Blockhash(),
			Instructions:    ixs,
		},
		PriorityFee:  priorityFee,
		ComputeLimit: computeLimit,
	}
}

// New wraps txs in a bundle stamped at now with the given offered fee.
func New(now time.Time, pluginFees uint64, txs ...bundle.Transaction) *bundle.Bundle {
	return &bundle.Bundle{
		TransactionCount: uint32(len(txs)),
		Transactions:     txs,
		Metadata: bundle.Metadata{
			Slot:         250_000_000,
			Timestamp:    uint64(now.Unix()),
			LeaderPubkey: Key(0x42),
			PluginFees:   pluginFees,
		},
	}
}

// Repeat returns n copies of tx.
func Repeat(n int, tx bundle.Transaction) []bundle.Transaction {
	out := make([]bundle.Transaction, n)
	for i := range out {
		out[i] = tx
	}
	return out
}
