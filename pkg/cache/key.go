package cache

import (
	"encoding/json"
	"fmt"
)

// Key identifies one cached query result: a logical query name plus its
// canonicalized parameters.
type Key struct {
	Name string
	Args string
}

// NewKey builds a Key. Params are canonicalized through JSON encoding, which
// sorts map keys, so logically equal parameter sets produce equal keys.
func NewKey(name string, params any) Key {
	if params == nil {
		return Key{Name: name}
	}
	b, err := json.Marshal(params)
	if err != nil {
		// Unencodable params still need a stable-ish key; fall back to the
		// type-agnostic print form.
		return Key{Name: name, Args: fmt.Sprintf("%+v", params)}
	}
	return Key{Name: name, Args: string(b)}
}

func (k Key) String() string {
	if k.Args == "" {
		return k.Name
	}
	return k.Name + "?" + k.Args
}
