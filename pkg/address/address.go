// Package address holds the value types shared across the ingestion
// pipeline and the wire protocol: trader addresses and tradable assets.
package address

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var hexAddr = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Address is a lowercase "0x"+40-hex trader identifier, normalized at
// every ingress point per the data model.
type Address string

// Parse normalizes raw into a valid Address, lowercasing it first.
func Parse(raw string) (Address, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	if !hexAddr.MatchString(norm) {
		return "", fmt.Errorf("address: invalid address %q", raw)
	}
	return Address(norm), nil
}

// MustParse is Parse but panics on error; used for constants and tests.
func MustParse(raw string) Address {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string { return string(a) }

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Set is an ordered, deduplicated collection of addresses preserving
// first-seen order, used to represent the watchlist (spec §3).
type Set struct {
	order []Address
	index map[Address]struct{}
}

// NewSet unions one or more address slices, deduplicating while
// preserving first-seen order across the inputs in argument order.
func NewSet(groups ...[]Address) *Set {
	s := &Set{index: make(map[Address]struct{})}
	for _, g := range groups {
		for _, a := range g {
			s.Add(a)
		}
	}
	return s
}

// Add inserts a into the set if not already present.
func (s *Set) Add(a Address) {
	if _, ok := s.index[a]; ok {
		return
	}
	s.index[a] = struct{}{}
	s.order = append(s.order, a)
}

// Has reports whether a is a member of the set.
func (s *Set) Has(a Address) bool {
	_, ok := s.index[a]
	return ok
}

// Slice returns the members in first-seen order. The returned slice
// must not be mutated by the caller.
func (s *Set) Slice() []Address {
	return s.order
}

// Len returns the number of members.
func (s *Set) Len() int { return len(s.order) }
