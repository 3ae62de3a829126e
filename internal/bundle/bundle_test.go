package bundle_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bundlegate/internal/bundle"
	"bundlegate/internal/bundle/bundletest"
)

func TestTxsView(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := bundletest.New(now, 0, bundletest.Tx(1, 1000), bundletest.Tx(2, 1000))

	txs, ok := b.Txs()
	require.True(t, ok)
	require.Len(t, txs, 2)

	b.TransactionCount = 1
	txs, ok = b.Txs()
	require.True(t, ok)
	require.Len(t, txs, 1)

	b.TransactionCount = 3
	_, ok = b.Txs()
	require.False(t, ok)

	b.Transactions = nil
	b.TransactionCount = 1
	_, ok = b.Txs()
	require.False(t, ok)

	var nilBundle *bundle.Bundle
	_, ok = nilBundle.Txs()
	require.False(t, ok)
}

func TestSigsView(t *testing.T) {
	tx := bundletest.Tx(0, 1000)
	sigs, ok := tx.Sigs()
	require.True(t, ok)
	require.Len(t, sigs, 1)

	tx.SignatureCount = 2
	_, ok = tx.Sigs()
	require.False(t, ok)
}

func TestInstructionAccessors(t *testing.T) {
	ix := bundletest.Instruction([]byte{1, 0, 0, 0, 0, 0, 0, 0, 9}, 2)
	tx := bundletest.Tx(0, 1000, ix)

	disc, ok := ix.Discriminator()
	require.True(t, ok)
	require.Equal(t, [8]byte{1}, disc)

	key, ok := tx.Message.FirstAccount(&ix)
	require.True(t, ok)
	require.Equal(t, bundletest.Key(3), key)

	_, ok = tx.Message.AccountKey(200)
	require.False(t, ok)

	short := bundletest.Instruction([]byte{1, 2})
	_, ok = short.Discriminator()
	require.False(t, ok)
	_, ok = tx.Message.FirstAccount(&short)
	require.False(t, ok)
}

func TestDecodeDefaultsCounts(t *testing.T) {
	doc := fmt.Sprintf(`{
  "transactions": [{
    "signatures": [%q],
    "message": {
      "header": {"num_required_signatures": 1},
      "account_keys": [%q, %q, %q],
      "recent_blockhash": %q,
      "instructions": [{"program_id_index": 1, "accounts": [2], "data": "AQAAAAAAAAA="}]
    },
    "priority_fee": 5000,
    "compute_limit": 200000
  }],
  "metadata": {"slot": 7, "timestamp": 1700000000, "leader_pubkey": %q, "plugin_fees": 15000, "tip_amount": 0}
}`,
		bundletest.Sig(1).String(),
		bundletest.Key(1).String(), bundletest.Key(2).String(), bundletest.Key(3).String(),
		bundletest.Blockhash().String(),
		bundletest.Key(0x42).String(),
	)

	b, err := bundle.Decode(strings.NewReader(doc))
	require.NoError(t, err)
	require.EqualValues(t, 1, b.TransactionCount)
	require.EqualValues(t, 1, b.Transactions[0].SignatureCount)
	require.Equal(t, bundletest.Key(3), b.Transactions[0].Message.AccountKeys[2])
	require.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, b.Transactions[0].Message.Instructions[0].Data)
	require.Nil(t, b.Attestation)
}

func TestDecodeKeepsExplicitCounts(t *testing.T) {
	b, err := bundle.Decode(strings.NewReader(`{"transaction_count": 4, "transactions": [], "metadata": {}}`))
	require.NoError(t, err)
	require.EqualValues(t, 4, b.TransactionCount)
	_, ok := b.Txs()
	require.False(t, ok)
}

func TestDecodeAttestationReportPresence(t *testing.T) {
	b, err := bundle.Decode(strings.NewReader(`{"transactions": [], "metadata": {}, "attestation": {"version": 1, "report": ""}}`))
	require.NoError(t, err)
	require.NotNil(t, b.Attestation)
	require.NotNil(t, b.Attestation.Report)
	require.Empty(t, b.Attestation.Report)

	b, err = bundle.Decode(strings.NewReader(`{"transactions": [], "metadata": {}, "attestation": {"version": 1}}`))
	require.NoError(t, err)
	require.Nil(t, b.Attestation.Report)
}
