package shared

import "fmt"

// IntentScope identifies which kind of payload a signature covers. The tag is
// the first byte of every signed message, so a signature issued under one
// scope never verifies under another.
type IntentScope uint8

const (
	GenericComputation IntentScope = iota
	WeatherQuery
	AIQuery
)

var scopeNames = map[IntentScope]string{
	GenericComputation: "GenericComputation",
	WeatherQuery:       "WeatherQuery",
	AIQuery:            "AIQuery",
}

// Scopes lists every known scope in tag order.
func Scopes() []IntentScope {
	return []IntentScope{GenericComputation, WeatherQuery, AIQuery}
}

func (s IntentScope) Valid() bool {
	_, ok := scopeNames[s]
	return ok
}

func (s IntentScope) String() string {
	if name, ok := scopeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("IntentScope(%d)", uint8(s))
}

// ParseIntentScope accepts the canonical enumerator name.
func ParseIntentScope(name string) (IntentScope, error) {
	for scope, n := range scopeNames {
		if n == name {
			return scope, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownScope, name)
}

func (s IntentScope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScope, uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *IntentScope) UnmarshalText(text []byte) error {
	scope, err := ParseIntentScope(string(text))
	if err != nil {
		return err
	}
	*s = scope
	return nil
}
