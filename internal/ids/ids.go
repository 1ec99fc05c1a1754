// Package ids implements the validated value types shared across
// manifold: ObjectId, RefName, WorkspaceId, and EpochId.
package ids

import (
	"encoding/hex"
	"strings"

	"github.com/manifold-vcs/manifold/internal/errs"
)

// ObjectId is a content-addressed 20-byte identifier (a git SHA-1 style
// object id). The zero value is the sentinel "does not exist".
type ObjectId [20]byte

// EpochId names a commit reachable from the mainline branch.
type EpochId = ObjectId

// ZeroOID is the sentinel meaning "ref does not exist yet".
var ZeroOID = ObjectId{}

// IsZero reports whether this is the sentinel zero OID.
func (o ObjectId) IsZero() bool {
	return o == ZeroOID
}

// String renders the OID as 40 lowercase hex characters.
func (o ObjectId) String() string {
	return hex.EncodeToString(o[:])
}

// ParseObjectId parses a 40-character hex string into an ObjectId.
func ParseObjectId(s string) (ObjectId, error) {
	var oid ObjectId
	if len(s) != 40 {
		return oid, errs.NewError(errs.ErrInvalidInput, "invalid object id").
			WithDetail("value", s).
			WithDetail("reason", "expected 40 hex characters")
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return oid, errs.WrapError(errs.ErrInvalidInput, "invalid object id", err).
			WithDetail("value", s)
	}
	copy(oid[:], decoded)
	return oid, nil
}

// bareRefs are well-known refs that don't live under refs/.
var bareRefs = map[string]bool{
	"HEAD":              true,
	"FETCH_HEAD":        true,
	"MERGE_HEAD":        true,
	"ORIG_HEAD":         true,
	"CHERRY_PICK_HEAD":  true,
}

// RefName is a validated git ref name.
type RefName string

// NewRefName validates and constructs a RefName.
func NewRefName(s string) (RefName, error) {
	if s == "" {
		return "", errs.NewError(errs.ErrInvalidInput, "ref name must not be empty")
	}
	if strings.HasPrefix(s, "refs/") || bareRefs[s] {
		return RefName(s), nil
	}
	return "", errs.NewError(errs.ErrInvalidInput, "invalid ref name").
		WithDetail("value", s).
		WithDetail("reason", "must start with refs/ or be a well-known bare ref")
}

// String returns the ref name.
func (r RefName) String() string {
	return string(r)
}

// MustRefName panics on invalid input; reserved for compile-time-known
// constants such as the fixed namespace roots.
func MustRefName(s string) RefName {
	r, err := NewRefName(s)
	if err != nil {
		panic(err)
	}
	return r
}

// WorkspaceId is a filesystem-safe workspace name.
type WorkspaceId string

// NewWorkspaceId validates and constructs a WorkspaceId.
//
// Rules: non-empty, 1-64 chars, matches [a-z0-9][a-z0-9-]*, no path
// separators, no leading dash, not "." or "..", no control characters.
func NewWorkspaceId(s string) (WorkspaceId, error) {
	if s == "" {
		return "", errs.NewError(errs.ErrInvalidInput, "workspace id must not be empty")
	}
	if len(s) > 64 {
		return "", errs.NewError(errs.ErrInvalidInput, "workspace id too long").
			WithDetail("value", s).
			WithDetail("max", 64)
	}
	if s == "." || s == ".." {
		return "", errs.NewError(errs.ErrInvalidInput, "invalid workspace id").
			WithDetail("value", s)
	}
	if strings.ContainsAny(s, "/\\") {
		return "", errs.NewError(errs.ErrInvalidInput, "workspace id must not contain path separators").
			WithDetail("value", s)
	}
	if s[0] == '-' || s[0] == '.' {
		return "", errs.NewError(errs.ErrInvalidInput, "workspace id must not start with - or .").
			WithDetail("value", s)
	}
	first := s[0]
	if !isAlnum(first) {
		return "", errs.NewError(errs.ErrInvalidInput, "workspace id must start with [a-z0-9]").
			WithDetail("value", s)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7f {
			return "", errs.NewError(errs.ErrInvalidInput, "workspace id contains control characters").
				WithDetail("value", s)
		}
		if !isAlnum(c) && c != '-' {
			return "", errs.NewError(errs.ErrInvalidInput, "workspace id contains invalid characters").
				WithDetail("value", s).
				WithDetail("allowed", "[a-z0-9-]")
		}
	}
	return WorkspaceId(s), nil
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// String returns the workspace id.
func (w WorkspaceId) String() string {
	return string(w)
}

// IsDefault reports whether this id denotes the mainline workspace.
func (w WorkspaceId) IsDefault() bool {
	return string(w) == "default"
}
