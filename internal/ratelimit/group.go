// group.go: Bucket groups for addresses and shared address prefixes
package ratelimit

// Capacity multipliers for the IPv6 prefix tiers. A /48 allocation holds far
// more independent subscribers than a single /64, so its shared buckets get
// a proportionally larger budget. Refill intervals are never scaled.
const (
	multiplier48   = 16
	multiplier56   = 4
	multiplierLeaf = 1
)

// leafGroup is the bucket set for one IPv4 address or one IPv6 /64 prefix.
type leafGroup struct {
	total actionBuckets
}

// middleGroup is the bucket set shared by one IPv6 /56 prefix, with child
// leaf groups keyed by the next address byte.
type middleGroup struct {
	total    actionBuckets
	children map[uint8]*leafGroup
}

// outerGroup is the bucket set shared by one IPv6 /48 prefix, with child
// middle groups keyed by the next address byte.
type outerGroup struct {
	total    actionBuckets
	children map[uint8]*middleGroup
}

// newActionBuckets seeds one full bucket per action type at the tier's
// multiplied capacity, stamped now.
func newActionBuckets(now InstantSecs, configs *actionConfigs, multiplier int32) actionBuckets {
	var ab actionBuckets
	for t := ActionType(0); t < numActionTypes; t++ {
		ab[t] = fullBucket(now, configs.at(t).multiplyCapacity(multiplier).Capacity)
	}
	return ab
}

func newLeafGroup(now InstantSecs, configs *actionConfigs, multiplier int32) *leafGroup {
	return &leafGroup{total: newActionBuckets(now, configs, multiplier)}
}

func newMiddleGroup(now InstantSecs, configs *actionConfigs) *middleGroup {
	return &middleGroup{
		total:    newActionBuckets(now, configs, multiplier56),
		children: make(map[uint8]*leafGroup),
	}
}

func newOuterGroup(now InstantSecs, configs *actionConfigs) *outerGroup {
	return &outerGroup{
		total:    newActionBuckets(now, configs, multiplier48),
		children: make(map[uint8]*middleGroup),
	}
}
