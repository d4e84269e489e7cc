package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// HumanAddress is the reserved address of a person. It bypasses the
// machine/project grammar.
const HumanAddress = "human"

// ErrInvalidAddress is returned for strings that are not machine/project.
var ErrInvalidAddress = errors.New("envelope: invalid address")

// Address identifies an agent as machine/project, or a human.
type Address struct {
	Machine string
	Project string
	human   bool
}

// Human returns the reserved human address.
func Human() Address {
	return Address{human: true}
}

// ParseAddress parses "machine/project" or the literal "human". The string is
// split on the first "/" and both sides must be non-empty.
func ParseAddress(s string) (Address, error) {
	if s == HumanAddress {
		return Human(), nil
	}
	machine, project, ok := strings.Cut(s, "/")
	if !ok || machine == "" || project == "" {
		return Address{}, fmt.Errorf("%w: %q, expected machine/project", ErrInvalidAddress, s)
	}
	return Address{Machine: machine, Project: project}, nil
}

// MustParseAddress is ParseAddress that panics on error. Intended for tests
// and constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsHuman reports whether a is the reserved human address.
func (a Address) IsHuman() bool { return a.human }

// IsZero reports whether a was never set.
func (a Address) IsZero() bool { return !a.human && a.Machine == "" && a.Project == "" }

func (a Address) String() string {
	if a.human {
		return HumanAddress
	}
	return a.Machine + "/" + a.Project
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
