package discount

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Config maps rule names to their parameters. A nil or empty Config selects
// all products.
type Config map[string]Params

// Params holds the raw JSON value of every rule parameter.
type Params map[string]jx.Raw

// Rules returns the configured rule names in lexical order.
func (c Config) Rules() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseConfig decodes a rule config such as
//
//	{"exclude_sale": {}, "only_categories": {"categories": [1, 4]}}
//
// Empty input and JSON null decode to an empty Config.
func ParseConfig(data []byte) (Config, error) {
	cfg := Config{}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	d := jx.DecodeBytes(data)
	if d.Next() == jx.Null {
		return cfg, d.Null()
	}
	if err := d.Obj(func(d *jx.Decoder, rule string) error {
		params, err := decodeParams(d)
		if err != nil {
			return errors.Wrapf(err, "rule %q", rule)
		}
		cfg[rule] = params
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

func decodeParams(d *jx.Decoder) (Params, error) {
	params := Params{}
	switch d.Next() {
	case jx.Null:
		return params, d.Null()
	case jx.Object:
	default:
		return nil, errors.Wrap(ErrInvalidParams, "parameters must be an object")
	}

	err := d.Obj(func(d *jx.Decoder, name string) error {
		raw, err := d.Raw()
		if err != nil {
			return errors.Wrapf(err, "parameter %q", name)
		}
		params[name] = append(jx.Raw(nil), bytes.TrimSpace(raw)...)
		return nil
	})
	return params, err
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Config) UnmarshalJSON(data []byte) error {
	cfg, err := ParseConfig(data)
	if err != nil {
		return err
	}
	*c = cfg
	return nil
}

// MarshalJSON encodes the config with rules and parameters in lexical order.
func (c Config) MarshalJSON() ([]byte, error) {
	var e jx.Encoder
	c.Encode(&e)
	return e.Bytes(), nil
}

// Encode writes the config to e.
func (c Config) Encode(e *jx.Encoder) {
	e.ObjStart()
	for _, rule := range c.Rules() {
		e.FieldStart(rule)
		params := c[rule]

		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)

		e.ObjStart()
		for _, name := range names {
			e.FieldStart(name)
			e.Raw(params[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()
}

// IDs decodes the named parameter as a list of identifiers. Both JSON strings
// and numbers are accepted, numbers are kept in their literal form.
func (p Params) IDs(name string) ([]string, error) {
	raw, ok := p[name]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidParams, "missing %q", name)
	}

	var ids []string
	d := jx.DecodeBytes(raw)
	if err := d.Arr(func(d *jx.Decoder) error {
		switch d.Next() {
		case jx.String:
			s, err := d.Str()
			if err != nil {
				return err
			}
			ids = append(ids, s)
		case jx.Number:
			n, err := d.Num()
			if err != nil {
				return err
			}
			if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
				return errors.Errorf("non-integer id %s", n.String())
			}
			ids = append(ids, n.String())
		default:
			return errors.Errorf("unexpected %s", d.Next())
		}
		return nil
	}); err != nil {
		return nil, errors.Wrapf(ErrInvalidParams, "%q: %v", name, err)
	}
	return ids, nil
}

// IDSet is IDs collected into a set.
func (p Params) IDSet(name string) (map[string]struct{}, error) {
	ids, err := p.IDs(name)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// IDParams builds parameters holding a single list of string identifiers.
func IDParams(name string, ids ...string) Params {
	var e jx.Encoder
	e.ArrStart()
	for _, id := range ids {
		e.Str(id)
	}
	e.ArrEnd()
	return Params{name: e.Bytes()}
}
