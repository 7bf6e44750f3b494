// limits.go: Per-action budget table, defaults, validation, file loading
package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ActionLimit is one action's budget: Capacity requests refill over every
// RefillSecs seconds. A zero capacity blocks the action outright.
type ActionLimit struct {
	Capacity   int32 `mapstructure:"capacity" yaml:"capacity" json:"capacity" validate:"gte=0"`
	RefillSecs int32 `mapstructure:"refill_secs" yaml:"refill_secs" json:"refill_secs" validate:"gte=1"`
}

// Limits is the full per-action budget table. It is supplied at startup and
// hot-swappable at runtime through SetLimits.
type Limits struct {
	Message            ActionLimit `mapstructure:"message" yaml:"message" json:"message"`
	Register           ActionLimit `mapstructure:"register" yaml:"register" json:"register"`
	Post               ActionLimit `mapstructure:"post" yaml:"post" json:"post"`
	Image              ActionLimit `mapstructure:"image" yaml:"image" json:"image"`
	Comment            ActionLimit `mapstructure:"comment" yaml:"comment" json:"comment"`
	Search             ActionLimit `mapstructure:"search" yaml:"search" json:"search"`
	ImportUserSettings ActionLimit `mapstructure:"import_user_settings" yaml:"import_user_settings" json:"import_user_settings"`
}

// DefaultLimits returns the stock budgets. They are deliberately tight for
// abuse-prone actions (one settings import per day, three registrations per
// hour) and loose for conversational traffic.
func DefaultLimits() Limits {
	return Limits{
		Message:            ActionLimit{Capacity: 180, RefillSecs: 60},
		Register:           ActionLimit{Capacity: 3, RefillSecs: 3600},
		Post:               ActionLimit{Capacity: 6, RefillSecs: 300},
		Image:              ActionLimit{Capacity: 6, RefillSecs: 3600},
		Comment:            ActionLimit{Capacity: 6, RefillSecs: 600},
		Search:             ActionLimit{Capacity: 60, RefillSecs: 600},
		ImportUserSettings: ActionLimit{Capacity: 1, RefillSecs: 86400},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects negative capacities and non-positive refill intervals.
// The refill arithmetic divides by RefillSecs, so a zero value must be
// stopped here, once, instead of guarded on every request.
func (l Limits) Validate() error {
	if err := validate.Struct(l); err != nil {
		return fmt.Errorf("invalid rate limits: %w", err)
	}
	return nil
}

// byAction flattens the table into the ordinal-indexed form the storage
// consumes.
func (l Limits) byAction() actionConfigs {
	var configs actionConfigs
	configs[ActionMessage] = BucketConfig{Capacity: l.Message.Capacity, SecsToRefill: l.Message.RefillSecs}
	configs[ActionRegister] = BucketConfig{Capacity: l.Register.Capacity, SecsToRefill: l.Register.RefillSecs}
	configs[ActionPost] = BucketConfig{Capacity: l.Post.Capacity, SecsToRefill: l.Post.RefillSecs}
	configs[ActionImage] = BucketConfig{Capacity: l.Image.Capacity, SecsToRefill: l.Image.RefillSecs}
	configs[ActionComment] = BucketConfig{Capacity: l.Comment.Capacity, SecsToRefill: l.Comment.RefillSecs}
	configs[ActionSearch] = BucketConfig{Capacity: l.Search.Capacity, SecsToRefill: l.Search.RefillSecs}
	configs[ActionImportUserSettings] = BucketConfig{Capacity: l.ImportUserSettings.Capacity, SecsToRefill: l.ImportUserSettings.RefillSecs}
	return configs
}

// LoadLimitsFile reads a budget table from a YAML or JSON file. YAML is
// tried first; on failure the raw bytes are handed to the JSON decoder, and
// the YAML error is reported if both refuse.
func LoadLimitsFile(path string) (Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, fmt.Errorf("read limits file: %w", err)
	}

	var limits Limits
	if yerr := yaml.Unmarshal(data, &limits); yerr != nil {
		if jerr := json.Unmarshal(data, &limits); jerr != nil {
			return Limits{}, fmt.Errorf("parse limits file %s: %w", path, yerr)
		}
	}

	if err := limits.Validate(); err != nil {
		return Limits{}, err
	}
	return limits, nil
}
