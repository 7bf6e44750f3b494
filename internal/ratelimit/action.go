// action.go: Rate-limited action categories and their dense state tables
package ratelimit

// ActionType names one category of rate-limited operation. Values are dense
// ordinals so per-action state fits in fixed-size arrays instead of maps.
type ActionType uint8

const (
	ActionMessage ActionType = iota
	ActionRegister
	ActionPost
	ActionImage
	ActionComment
	ActionSearch
	ActionImportUserSettings

	numActionTypes // sentinel, keep last
)

var actionTypeNames = [numActionTypes]string{
	"message",
	"register",
	"post",
	"image",
	"comment",
	"search",
	"import_user_settings",
}

func (t ActionType) String() string {
	if int(t) < len(actionTypeNames) {
		return actionTypeNames[t]
	}
	return "unknown"
}

// actionBuckets holds one bucket per action type, indexed by ordinal.
type actionBuckets [numActionTypes]bucket

func (ab *actionBuckets) at(t ActionType) *bucket {
	return &ab[t]
}

// actionConfigs holds one BucketConfig per action type, indexed by ordinal.
type actionConfigs [numActionTypes]BucketConfig

func (ac *actionConfigs) at(t ActionType) BucketConfig {
	return ac[t]
}

// checkTotal brings the action's bucket up to now and consumes one token.
// A bucket that would land on zero tokens is left completely untouched:
// advancing lastChecked on a rejection would let integer rounding discard
// the fractional refill over and over, pinning a hammered bucket at zero
// past its advertised refill time.
func (ab *actionBuckets) checkTotal(action ActionType, now InstantSecs, cfg BucketConfig) bool {
	bkt := ab.at(action)
	updated := bkt.update(now, cfg)
	if updated.tokens == 0 {
		return false
	}
	updated.tokens--
	*bkt = updated
	return true
}

// allFull reports whether every bucket, brought up to now, would sit at its
// multiplied capacity. A group that is all full carries no debt worth
// remembering.
func (ab *actionBuckets) allFull(now InstantSecs, configs *actionConfigs, multiplier int32) bool {
	for t := ActionType(0); t < numActionTypes; t++ {
		cfg := configs.at(t).multiplyCapacity(multiplier)
		if ab.at(t).update(now, cfg).tokens != cfg.Capacity {
			return false
		}
	}
	return true
}
