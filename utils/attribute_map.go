package utils

import (
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// AttributeMap is a flat block of named parameters as read from JSON or the command line.
type AttributeMap map[string]interface{}

// Has returns whether the given attribute is set.
func (am AttributeMap) Has(name string) bool {
	_, has := am[name]
	return has
}

// Keys returns the attribute names in sorted order.
func (am AttributeMap) Keys() []string {
	keys := make([]string, 0, len(am))
	for k := range am {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Float64 returns the attribute converted to a float64, or def when it is not set.
func (am AttributeMap) Float64(name string, def float64) (float64, error) {
	x, has := am[name]
	if !has {
		return def, nil
	}
	v, err := cast.ToFloat64E(x)
	if err != nil {
		return def, errors.Wrapf(err, "attribute %q", name)
	}
	return v, nil
}

// Int returns the attribute converted to an int, or def when it is not set.
func (am AttributeMap) Int(name string, def int) (int, error) {
	x, has := am[name]
	if !has {
		return def, nil
	}
	v, err := cast.ToIntE(x)
	if err != nil {
		return def, errors.Wrapf(err, "attribute %q", name)
	}
	return v, nil
}

// String returns the attribute as a string, or "" when it is not set.
func (am AttributeMap) String(name string) string {
	x, has := am[name]
	if !has || x == nil {
		return ""
	}
	return cast.ToString(x)
}

// Merge returns a copy of am with every attribute of other set on top.
func (am AttributeMap) Merge(other AttributeMap) AttributeMap {
	out := make(AttributeMap, len(am)+len(other))
	for k, v := range am {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Decode fills the struct pointed to by out from the map, matching keys against json tags.
// Input is weakly typed so that values given as strings decode into numeric and boolean fields.
// Keys that match no field are an error.
func (am AttributeMap) Decode(out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(map[string]interface{}(am))
}

// ParseAttributes parses key=value pairs into an AttributeMap. Values are kept as strings.
func ParseAttributes(pairs []string) (AttributeMap, error) {
	am := AttributeMap{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Errorf("expected key=value, got %q", pair)
		}
		am[key] = strings.TrimSpace(value)
	}
	return am, nil
}
