// storage.go: Address-keyed bucket maps and the check and eviction passes
package ratelimit

import "net/netip"

// prefix48 keys the outermost IPv6 tier: the first six bytes (48 bits) of
// the address.
type prefix48 [6]byte

// storage is the entire in-memory rate-limit state. It is not safe for
// concurrent use on its own; Limiter serializes every access behind one
// mutex.
type storage struct {
	// One group per individual IPv4 address. Address scarcity already
	// bounds how many clients can rotate through one key.
	ipv4Buckets map[netip.Addr]*leafGroup
	// IPv6 tiers, /48 -> /56 -> /64. Every address sharing 64 leading bits
	// shares a leaf, since one subscriber can hop addresses freely inside
	// that block; the wider tiers catch hopping across nearby allocations.
	ipv6Buckets map[prefix48]*outerGroup
	configs     actionConfigs
}

func newStorage(configs actionConfigs) *storage {
	return &storage{
		ipv4Buckets: make(map[netip.Addr]*leafGroup),
		ipv6Buckets: make(map[prefix48]*outerGroup),
		configs:     configs,
	}
}

// splitIPv6 derives the three tier keys from an IPv6 address.
func splitIPv6(addr netip.Addr) (p48 prefix48, key56, key64 uint8) {
	oct := addr.As16()
	copy(p48[:], oct[:6])
	return p48, oct[6], oct[7]
}

// check runs the admission decision for one action from one address at one
// instant, creating missing groups seeded at full capacity along the way.
// For IPv6, every tier is consulted even after an outer tier has already
// denied, so each tier's refill clock stays current and inner debt keeps
// accruing; the result is the AND of all three.
func (s *storage) check(action ActionType, addr netip.Addr, now InstantSecs) bool {
	cfg := s.configs.at(action)

	if addr.Is4() || addr.Is4In6() {
		key := addr.Unmap()
		group, ok := s.ipv4Buckets[key]
		if !ok {
			group = newLeafGroup(now, &s.configs, multiplierLeaf)
			s.ipv4Buckets[key] = group
		}
		return group.total.checkTotal(action, now, cfg)
	}

	p48, key56, key64 := splitIPv6(addr)

	outer, ok := s.ipv6Buckets[p48]
	if !ok {
		outer = newOuterGroup(now, &s.configs)
		s.ipv6Buckets[p48] = outer
	}
	passed48 := outer.total.checkTotal(action, now, cfg.multiplyCapacity(multiplier48))

	middle, ok := outer.children[key56]
	if !ok {
		middle = newMiddleGroup(now, &s.configs)
		outer.children[key56] = middle
	}
	passed56 := middle.total.checkTotal(action, now, cfg.multiplyCapacity(multiplier56))

	leaf, ok := middle.children[key64]
	if !ok {
		leaf = newLeafGroup(now, &s.configs, multiplierLeaf)
		middle.children[key64] = leaf
	}
	passed64 := leaf.total.checkTotal(action, now, cfg)

	return passed48 && passed56 && passed64
}

// removeFullBuckets drops every group whose buckets would all be back at
// capacity as of now, bottom-up so an outer tier survives while any
// descendant still carries debt. Survivors are copied into fresh maps: Go
// maps never shrink in place, and after a flood of unique addresses the old
// table can dwarf its live contents.
func (s *storage) removeFullBuckets(now InstantSecs) {
	ipv4 := make(map[netip.Addr]*leafGroup)
	for addr, group := range s.ipv4Buckets {
		if !group.total.allFull(now, &s.configs, multiplierLeaf) {
			ipv4[addr] = group
		}
	}
	s.ipv4Buckets = ipv4

	ipv6 := make(map[prefix48]*outerGroup)
	for p48, outer := range s.ipv6Buckets {
		middles := make(map[uint8]*middleGroup)
		for key56, middle := range outer.children {
			leaves := make(map[uint8]*leafGroup)
			for key64, leaf := range middle.children {
				if !leaf.total.allFull(now, &s.configs, multiplierLeaf) {
					leaves[key64] = leaf
				}
			}
			middle.children = leaves
			if len(leaves) > 0 || !middle.total.allFull(now, &s.configs, multiplier56) {
				middles[key56] = middle
			}
		}
		outer.children = middles
		if len(middles) > 0 || !outer.total.allFull(now, &s.configs, multiplier48) {
			ipv6[p48] = outer
		}
	}
	s.ipv6Buckets = ipv6
}

// setConfigs swaps the per-action budgets without touching bucket state.
// Existing groups keep their token counts and drain or refill under the new
// rates; oversized counts clamp down on their next update.
func (s *storage) setConfigs(configs actionConfigs) {
	s.configs = configs
}

// Stats reports how many groups each tier currently tracks.
type Stats struct {
	IPv4Groups   int `json:"ipv4_groups"`
	IPv6Prefix48 int `json:"ipv6_prefix48_groups"`
	IPv6Prefix56 int `json:"ipv6_prefix56_groups"`
	IPv6Prefix64 int `json:"ipv6_prefix64_groups"`
}

func (s *storage) counts() Stats {
	st := Stats{
		IPv4Groups:   len(s.ipv4Buckets),
		IPv6Prefix48: len(s.ipv6Buckets),
	}
	for _, outer := range s.ipv6Buckets {
		st.IPv6Prefix56 += len(outer.children)
		for _, middle := range outer.children {
			st.IPv6Prefix64 += len(middle.children)
		}
	}
	return st
}
