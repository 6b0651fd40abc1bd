package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"marketsync/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrCustomValueRequired = errors.New("custom resolution requires a value")
	ErrInvalidStrategy     = errors.New("invalid resolution strategy")
)

// DescriptionSeparator joins local and platform text when free-text fields are merged.
const DescriptionSeparator = "\n\n---\n\n"

var descriptionFields = map[string]bool{
	"description":       true,
	"body_html":         true,
	"short_description": true,
	"notes":             true,
}

func isDescriptionField(field string) bool {
	f := strings.ToLower(field)
	return descriptionFields[f] || strings.HasSuffix(f, "_description")
}

// Apply computes the value a strategy yields for c.
func Apply(strategy models.ResolutionStrategy, c *models.Conflict, custom interface{}) (interface{}, error) {
	switch strategy {
	case models.StrategyUseLocal:
		return c.LocalValue, nil
	case models.StrategyUsePlatform:
		return c.PlatformValue, nil
	case models.StrategyMerge:
		return Merge(c.Field, c.LocalValue, c.PlatformValue), nil
	case models.StrategyCustom:
		if custom == nil {
			return nil, ErrCustomValueRequired
		}
		return custom, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
}

// Merge combines two values by shape: lists union, objects shallow-merge with
// platform keys winning, description text concatenates, anything else takes
// the platform value.
func Merge(field string, local, remote interface{}) interface{} {
	if remote == nil {
		return local
	}
	if local == nil {
		return remote
	}

	if l, ok := asSlice(local); ok {
		if r, ok := asSlice(remote); ok {
			return union(l, r)
		}
	}

	if l, ok := local.(map[string]interface{}); ok {
		if r, ok := remote.(map[string]interface{}); ok {
			out := make(map[string]interface{}, len(l)+len(r))
			for k, v := range l {
				out[k] = v
			}
			for k, v := range r {
				out[k] = v
			}
			return out
		}
	}

	if isDescriptionField(field) {
		ls, lok := local.(string)
		rs, rok := remote.(string)
		if lok && rok {
			switch {
			case strings.TrimSpace(ls) == "":
				return rs
			case strings.TrimSpace(rs) == "" || ls == rs:
				return ls
			default:
				return ls + DescriptionSeparator + rs
			}
		}
	}

	return remote
}

func asSlice(v interface{}) ([]interface{}, bool) {
	if s, ok := v.([]interface{}); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func union(local, remote []interface{}) []interface{} {
	seen := make(map[string]bool, len(local)+len(remote))
	out := make([]interface{}, 0, len(local)+len(remote))
	for _, list := range [][]interface{}{local, remote} {
		for _, v := range list {
			k := identity(v)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func identity(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(raw)
}

// ValuesEqual compares field values, treating numbers and numeric strings by
// decimal value so "10.0" from one side equals 10 from the other.
func ValuesEqual(a, b interface{}) bool {
	if da, ok := asDecimal(a); ok {
		if db, ok := asDecimal(b); ok {
			return da.Equal(db)
		}
	}
	return identity(normalize(a)) == identity(normalize(b))
}

func asDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case int32:
		return decimal.NewFromInt32(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// normalize round-trips through JSON so typed and untyped shapes compare alike.
func normalize(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
