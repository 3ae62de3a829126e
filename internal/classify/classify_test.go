package classify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultTable(t *testing.T) {
	table := Default()
	require.Equal(t, 4, table.Len())

	require.Equal(t, PriceUpdate, table.Classify([]byte{1, 0, 0, 0, 0, 0, 0, 0, 0xff}))
	require.Equal(t, PriceUpdate, table.Classify([]byte{2, 0, 0, 0, 0, 0, 0, 0}))
	require.Equal(t, Swap, table.Classify(append(SwapDiscriminator[:], 1, 2, 3)))
	require.Equal(t, AddLiquidity, table.Classify(AddLiquidityDiscriminator[:]))
	require.Equal(t, Unknown, table.Classify([]byte{3, 0, 0, 0, 0, 0, 0, 0}))
	require.Equal(t, Unknown, table.Classify([]byte{1, 0, 0}))
	require.Equal(t, Unknown, table.Classify(nil))
}

func TestFromRulesExtendsTable(t *testing.T) {
	table, err := FromRules([]Rule{{Discriminator: "0xaabbccddeeff0011", Category: "swap"}})
	require.NoError(t, err)
	require.Equal(t, 5, table.Len())
	require.Equal(t, Swap, table.Classify([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11}))
}

func TestFromRulesRejectsBadInput(t *testing.T) {
	_, err := FromRules([]Rule{{Discriminator: "aabb", Category: "swap"}})
	require.Error(t, err)

	_, err = FromRules([]Rule{{Discriminator: "zz", Category: "swap"}})
	require.Error(t, err)

	_, err = FromRules([]Rule{{Discriminator: "aabbccddeeff0011", Category: "mint"}})
	require.Error(t, err)
}

func TestCategoryRoundTrip(t *testing.T) {
	for _, c := range []Category{PriceUpdate, Swap, AddLiquidity} {
		parsed, err := ParseCategory(c.String())
		require.NoError(t, err)
		require.Equal(t, c, parsed)
	}
	require.True(t, Swap.MarketMaking())
	require.True(t, AddLiquidity.MarketMaking())
	require.False(t, PriceUpdate.MarketMaking())
	require.Equal(t, "66063d12016f8ea5", SwapDiscriminator.String())
}
