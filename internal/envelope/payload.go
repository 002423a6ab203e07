package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// The payload registry is a discriminated-union mechanism: each payload
// Go type is registered once under a stable type URL, and envelopes
// carry the URL so receivers can dispatch without reflection guessing.

var (
	registryMux    sync.RWMutex
	typeByURL      = make(map[string]reflect.Type)
	urlByType      = make(map[reflect.Type]string)
)

// RegisterPayload binds a type URL to the concrete type of prototype.
// Registration is typically done from package init functions; duplicate
// registrations for the same URL must bind the same type.
func RegisterPayload(typeURL string, prototype any) {
	t := reflect.TypeOf(prototype)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	registryMux.Lock()
	defer registryMux.Unlock()

	if existing, ok := typeByURL[typeURL]; ok && existing != t {
		panic(fmt.Sprintf("envelope: payload type %q registered twice with different types (%v, %v)", typeURL, existing, t))
	}
	typeByURL[typeURL] = t
	urlByType[t] = typeURL
}

// Pack serializes a registered payload value and returns its type URL
// and canonical bytes.
func Pack(v any) (string, json.RawMessage, error) {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	registryMux.RLock()
	typeURL, ok := urlByType[t]
	registryMux.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %v", ErrUnknownPayloadType, t)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("pack payload %q: %w", typeURL, err)
	}
	return typeURL, raw, nil
}

// Unpack deserializes payload bytes into out after checking that the
// envelope's type tag matches out's registered type.
func Unpack(typeURL string, data json.RawMessage, out any) error {
	registryMux.RLock()
	registered, known := typeByURL[typeURL]
	registryMux.RUnlock()
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownPayloadType, typeURL)
	}

	t := reflect.TypeOf(out)
	if t.Kind() != reflect.Ptr {
		return fmt.Errorf("unpack payload %q: out must be a pointer", typeURL)
	}
	if t.Elem() != registered {
		return fmt.Errorf("%w: payload is %q (%v), caller expects %v", ErrPayloadTypeMismatch, typeURL, registered, t.Elem())
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unpack payload %q: %w", typeURL, err)
	}
	return nil
}
