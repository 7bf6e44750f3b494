package ratelimit

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uniformLimits gives every action type the same budget, which keeps tier
// arithmetic in the assertions easy to follow.
func uniformLimits(capacity, refillSecs int32) Limits {
	limit := ActionLimit{Capacity: capacity, RefillSecs: refillSecs}
	return Limits{
		Message:            limit,
		Register:           limit,
		Post:               limit,
		Image:              limit,
		Comment:            limit,
		Search:             limit,
		ImportUserSettings: limit,
	}
}

func TestCheckConsumesUntilEmptyThenRefills(t *testing.T) {
	s := newStorage(uniformLimits(2, 1).byAction())
	addr := netip.MustParseAddr("203.0.113.7")

	assert.True(t, s.check(ActionPost, addr, 0))
	assert.True(t, s.check(ActionPost, addr, 0))
	assert.False(t, s.check(ActionPost, addr, 0))
	assert.False(t, s.check(ActionPost, addr, 0))

	// One refill interval later the budget is back.
	assert.True(t, s.check(ActionPost, addr, 1))
}

func TestRejectionNeverAdvancesRefillClock(t *testing.T) {
	s := newStorage(uniformLimits(3, 100).byAction())
	addr := netip.MustParseAddr("198.51.100.4")

	for i := 0; i < 3; i++ {
		require.True(t, s.check(ActionComment, addr, 0))
	}

	// 33 seconds earn floor(33*3/100) = 0 whole tokens. The failed checks
	// must leave the bucket untouched; if they advanced lastChecked, the
	// fractional credit would be discarded on every retry and the bucket
	// could stay pinned at zero indefinitely.
	require.False(t, s.check(ActionComment, addr, 33))
	require.False(t, s.check(ActionComment, addr, 33))

	got := s.ipv4Buckets[addr].total.at(ActionComment)
	assert.Equal(t, InstantSecs(0), got.lastChecked)
	assert.Equal(t, int32(0), got.tokens)

	// One second more crosses the first whole-token boundary.
	assert.True(t, s.check(ActionComment, addr, 34))
}

func TestCheckConsumesExactlyOneToken(t *testing.T) {
	s := newStorage(uniformLimits(10, 60).byAction())
	addr := netip.MustParseAddr("203.0.113.10")

	require.True(t, s.check(ActionSearch, addr, 0))
	require.True(t, s.check(ActionSearch, addr, 0))

	assert.Equal(t, int32(8), s.ipv4Buckets[addr].total.at(ActionSearch).tokens)
}

func TestActionTypesHaveIndependentBuckets(t *testing.T) {
	s := newStorage(uniformLimits(1, 60).byAction())
	addr := netip.MustParseAddr("203.0.113.20")

	require.True(t, s.check(ActionPost, addr, 0))
	require.False(t, s.check(ActionPost, addr, 0))

	assert.True(t, s.check(ActionComment, addr, 0))
}

func TestIPv4AddressesAreIndependent(t *testing.T) {
	s := newStorage(uniformLimits(1, 60).byAction())

	require.True(t, s.check(ActionPost, netip.MustParseAddr("203.0.113.1"), 0))
	require.False(t, s.check(ActionPost, netip.MustParseAddr("203.0.113.1"), 0))

	assert.True(t, s.check(ActionPost, netip.MustParseAddr("203.0.113.2"), 0))
}

func TestIPv4MappedIPv6SharesTheIPv4Bucket(t *testing.T) {
	s := newStorage(uniformLimits(1, 60).byAction())

	require.True(t, s.check(ActionPost, netip.MustParseAddr("203.0.113.7"), 0))
	assert.False(t, s.check(ActionPost, netip.MustParseAddr("::ffff:203.0.113.7"), 0))

	// The mapped form must not have opened an IPv6 entry.
	assert.Empty(t, s.ipv6Buckets)
	assert.Len(t, s.ipv4Buckets, 1)
}

func TestSplitIPv6(t *testing.T) {
	addr := netip.MustParseAddr("11:2233:4455:6677:8899:aabb:ccdd:eeff")

	p48, key56, key64 := splitIPv6(addr)

	assert.Equal(t, prefix48{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}, p48)
	assert.Equal(t, uint8(0x66), key56)
	assert.Equal(t, uint8(0x77), key64)
}

func TestIPv6PrefixTiers(t *testing.T) {
	s := newStorage(uniformLimits(2, 60).byAction())

	ips := []netip.Addr{
		netip.MustParseAddr("1:2:3::"),
		netip.MustParseAddr("1:2:3:0400::"),
		netip.MustParseAddr("1:2:3:0405::"),
		netip.MustParseAddr("1:2:3:0405:6::"),
	}
	for _, ip := range ips {
		require.True(t, s.check(ActionMessage, ip, 0))
	}

	require.Len(t, s.ipv6Buckets, 1)
	outer := s.ipv6Buckets[prefix48{0, 1, 0, 2, 0, 3}]
	require.NotNil(t, outer)

	// The /48 seeds at 16x capacity and has absorbed all four checks.
	assert.Equal(t, int32(2*16-4), outer.total.at(ActionMessage).tokens)

	require.Len(t, outer.children, 2)
	middle := outer.children[4]
	require.NotNil(t, middle)
	assert.Equal(t, int32(2*4-3), middle.total.at(ActionMessage).tokens)

	// The last two addresses share 64 leading bits and therefore one leaf.
	require.Len(t, middle.children, 2)
	leaf := middle.children[5]
	require.NotNil(t, leaf)
	assert.Equal(t, int32(0), leaf.total.at(ActionMessage).tokens)

	// That leaf is spent, so the deeper tiers' remaining budget does not
	// help.
	assert.False(t, s.check(ActionMessage, ips[3], 0))
}

func TestIPv6SharedPrefixExhaustion(t *testing.T) {
	s := newStorage(uniformLimits(1, 60).byAction())

	// Sixteen addresses spread over four /56 blocks, four /64s each, all
	// inside one /48. Each /64 has 1 token, each /56 has 4, the /48 has 16,
	// so every one of these passes while draining the /48 to zero.
	for k56 := 1; k56 <= 4; k56++ {
		for k64 := 1; k64 <= 4; k64++ {
			addr := netip.MustParseAddr(fmt.Sprintf("2001:db8:1:%02x%02x::", k56, k64))
			require.True(t, s.check(ActionRegister, addr, 0))
		}
	}

	outer := s.ipv6Buckets[prefix48{0x20, 0x01, 0x0d, 0xb8, 0x00, 0x01}]
	require.NotNil(t, outer)
	require.Equal(t, int32(0), outer.total.at(ActionRegister).tokens)

	// A seventeenth address with a completely fresh /56 and /64 is still
	// denied: the decision is the AND of every tier.
	fresh := netip.MustParseAddr("2001:db8:1:0505::")
	assert.False(t, s.check(ActionRegister, fresh, 0))

	// The denial consumed nothing at the /48, but the fresh inner tiers
	// were still charged so their debt is already on the books.
	assert.Equal(t, int32(0), outer.total.at(ActionRegister).tokens)
	leaf := outer.children[0x05].children[0x05]
	require.NotNil(t, leaf)
	assert.Equal(t, int32(0), leaf.total.at(ActionRegister).tokens)
}

func TestRemoveFullBucketsDropsRefilledState(t *testing.T) {
	s := newStorage(uniformLimits(2, 1).byAction())

	ips := []netip.Addr{
		netip.MustParseAddr("123.123.123.123"),
		netip.MustParseAddr("1:2:3::"),
		netip.MustParseAddr("1:2:3:0400::"),
		netip.MustParseAddr("1:2:3:0405::"),
		netip.MustParseAddr("1:2:3:0405:6::"),
	}
	for _, ip := range ips {
		require.True(t, s.check(ActionMessage, ip, 0))
	}
	require.Len(t, s.ipv4Buckets, 1)
	require.Len(t, s.ipv6Buckets, 1)

	// Two refill intervals later everything is back at capacity and the
	// sweep clears both maps completely.
	s.removeFullBuckets(2)

	assert.Empty(t, s.ipv4Buckets)
	assert.Empty(t, s.ipv6Buckets)
	assert.Equal(t, Stats{}, s.counts())
}

func TestRemoveFullBucketsIsInvisibleToLaterChecks(t *testing.T) {
	swept := newStorage(uniformLimits(2, 1).byAction())
	control := newStorage(uniformLimits(2, 1).byAction())
	addr := netip.MustParseAddr("203.0.113.200")

	require.True(t, swept.check(ActionSearch, addr, 0))
	require.True(t, control.check(ActionSearch, addr, 0))

	// By now=1 the bucket is full again, so evicting it must not change
	// any answer a caller can observe afterwards: a re-created group and a
	// refilled one are indistinguishable.
	swept.removeFullBuckets(1)
	require.Empty(t, swept.ipv4Buckets)

	for i := 0; i < 3; i++ {
		assert.Equal(t,
			control.check(ActionSearch, addr, 1),
			swept.check(ActionSearch, addr, 1))
	}
	assert.Equal(t,
		control.ipv4Buckets[addr].total.at(ActionSearch).tokens,
		swept.ipv4Buckets[addr].total.at(ActionSearch).tokens)
}

func TestRemoveFullBucketsKeepsOutstandingDebt(t *testing.T) {
	s := newStorage(uniformLimits(2, 100).byAction())

	v4 := netip.MustParseAddr("192.0.2.1")
	v6 := netip.MustParseAddr("2001:db8::1")
	require.True(t, s.check(ActionImage, v4, 0))
	require.True(t, s.check(ActionImage, v6, 0))

	// Only the image bucket carries debt; one indebted action type is
	// enough to keep the whole group resident. 49 seconds earn no whole
	// token yet.
	s.removeFullBuckets(49)
	assert.Len(t, s.ipv4Buckets, 1)
	assert.Len(t, s.ipv6Buckets, 1)

	// At 50 seconds the missing token is back and the groups evaporate.
	s.removeFullBuckets(50)
	assert.Empty(t, s.ipv4Buckets)
	assert.Empty(t, s.ipv6Buckets)
}

func TestRemoveFullBucketsPrunesSubtreesIndividually(t *testing.T) {
	s := newStorage(uniformLimits(2, 100).byAction())

	spent := netip.MustParseAddr("2001:db8:aaaa:0101::")
	fresh := netip.MustParseAddr("2001:db8:aaaa:0202::")
	require.True(t, s.check(ActionPost, spent, 0))
	require.True(t, s.check(ActionPost, spent, 0))
	require.True(t, s.check(ActionPost, fresh, 0))

	// One token back: the leaf drained twice still owes one, the other
	// leaf is full again and gets pruned along with its /56.
	s.removeFullBuckets(50)

	outer := s.ipv6Buckets[prefix48{0x20, 0x01, 0x0d, 0xb8, 0xaa, 0xaa}]
	require.NotNil(t, outer)
	assert.Len(t, outer.children, 1)

	middle := outer.children[0x01]
	require.NotNil(t, middle)
	assert.Len(t, middle.children, 1)
	assert.Contains(t, middle.children, uint8(0x01))
}

func TestSetConfigsPreservesBucketState(t *testing.T) {
	s := newStorage(uniformLimits(2, 60).byAction())
	drained := netip.MustParseAddr("203.0.113.30")
	partial := netip.MustParseAddr("203.0.113.31")

	require.True(t, s.check(ActionPost, drained, 0))
	require.True(t, s.check(ActionPost, drained, 0))
	require.False(t, s.check(ActionPost, drained, 0))
	require.True(t, s.check(ActionPost, partial, 0))

	// Raising the capacity does not refill anyone: the drained address is
	// still out of tokens at the same instant.
	s.setConfigs(uniformLimits(100, 60).byAction())
	assert.False(t, s.check(ActionPost, drained, 0))

	// Refill now runs at the new rate: 100 tokens per 60s means one whole
	// token after a single second.
	assert.True(t, s.check(ActionPost, drained, 1))

	// Under the raised budget the partially drained address refills all
	// the way to the new capacity.
	require.True(t, s.check(ActionPost, partial, 60))
	require.Equal(t, int32(99), s.ipv4Buckets[partial].total.at(ActionPost).tokens)

	// Shrinking clamps that over-budget count instead of resetting it.
	s.setConfigs(uniformLimits(2, 60).byAction())
	require.True(t, s.check(ActionPost, partial, 60))
	assert.Equal(t, int32(1), s.ipv4Buckets[partial].total.at(ActionPost).tokens)
}

func TestCountsPerTier(t *testing.T) {
	s := newStorage(uniformLimits(10, 60).byAction())

	require.True(t, s.check(ActionMessage, netip.MustParseAddr("192.0.2.1"), 0))
	require.True(t, s.check(ActionMessage, netip.MustParseAddr("192.0.2.2"), 0))
	require.True(t, s.check(ActionMessage, netip.MustParseAddr("1:2:3::"), 0))
	require.True(t, s.check(ActionMessage, netip.MustParseAddr("1:2:3:0400::"), 0))
	require.True(t, s.check(ActionMessage, netip.MustParseAddr("9:9:9::"), 0))

	assert.Equal(t, Stats{
		IPv4Groups:   2,
		IPv6Prefix48: 2,
		IPv6Prefix56: 3,
		IPv6Prefix64: 3,
	}, s.counts())
}
