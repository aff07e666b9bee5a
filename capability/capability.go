// Package capability implements the scoped permission tokens that gate
// every host operation reachable from sandboxed code.
package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Kind enumerates the operation classes a token can grant.
type Kind uint8

const (
	StateRead Kind = iota
	StateWrite
	EventEmit
	ViewUpdate
	Extension
)

// Wildcard matches any concrete scope of the same kind.
const Wildcard = "*"

var kindNames = map[Kind]string{
	StateRead:  "state:read",
	StateWrite: "state:write",
	EventEmit:  "emit",
	ViewUpdate: "view",
	Extension:  "ext",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Token grants one operation class on one resource scope. Tokens are
// immutable values compared by structural equality.
type Token struct {
	Kind  Kind
	Scope string
}

// String renders the wire form, e.g. "state:write:counter" or "ext:http".
func (t Token) String() string {
	return t.Kind.String() + ":" + t.Scope
}

// Covers reports whether this token satisfies the requirement req.
// A grant covers a requirement when kinds match and the grant scope is
// either the wildcard or exactly the required scope.
func (t Token) Covers(req Token) bool {
	if t.Kind != req.Kind {
		return false
	}
	return t.Scope == Wildcard || t.Scope == req.Scope
}

// Parse decodes a wire-form capability string. The kind prefix is one of
// state:read, state:write, emit, view, ext; the remainder is the scope.
func Parse(s string) (Token, error) {
	for kind := StateRead; kind <= Extension; kind++ {
		prefix := kindNames[kind] + ":"
		if strings.HasPrefix(s, prefix) {
			scope := s[len(prefix):]
			if scope == "" {
				return Token{}, fmt.Errorf("capability %q: empty scope", s)
			}
			return Token{Kind: kind, Scope: scope}, nil
		}
	}
	return Token{}, fmt.Errorf("capability %q: unknown kind", s)
}

// Set is an immutable collection of grants built once per execution.
// The zero value is an empty set that allows nothing.
type Set struct {
	grants map[Token]struct{}
}

// NewSet builds a set from structured tokens.
func NewSet(tokens ...Token) Set {
	grants := make(map[Token]struct{}, len(tokens))
	for _, t := range tokens {
		grants[t] = struct{}{}
	}
	return Set{grants: grants}
}

// ParseSet builds a set from wire-form strings.
func ParseSet(grants []string) (Set, error) {
	tokens := make([]Token, 0, len(grants))
	for _, g := range grants {
		t, err := Parse(g)
		if err != nil {
			return Set{}, err
		}
		tokens = append(tokens, t)
	}
	return NewSet(tokens...), nil
}

// Allows reports whether the set contains a grant covering req, either by
// exact scope or by a wildcard of the same kind.
func (s Set) Allows(req Token) bool {
	if s.grants == nil {
		return false
	}
	if _, ok := s.grants[req]; ok {
		return true
	}
	_, ok := s.grants[Token{Kind: req.Kind, Scope: Wildcard}]
	return ok
}

// Len returns the number of distinct grants.
func (s Set) Len() int {
	return len(s.grants)
}

// Strings returns the sorted wire forms of all grants.
func (s Set) Strings() []string {
	out := make([]string, 0, len(s.grants))
	for t := range s.grants {
		out = append(out, t.String())
	}
	sort.Strings(out)
	return out
}
