package github

import (
	"errors"
	"fmt"
	"strings"

	giturls "github.com/whilp/git-urls"
)

// ErrInvalidReference is returned for repository references without an owner and a name.
var ErrInvalidReference = errors.New("invalid repository reference")

// Reference identifies a hosted repository.
type Reference struct {
	Owner string
	Name  string
}

func (r Reference) String() string {
	return r.Owner + "/" + r.Name
}

// ParseReference accepts web URLs, scp-style remotes and bare owner/name pairs.
// The last two path segments are taken as owner and name.
func ParseReference(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty", ErrInvalidReference)
	}
	u, err := giturls.Parse(trimmed)
	if err != nil {
		return Reference{}, fmt.Errorf("%w %q: %v", ErrInvalidReference, raw, err)
	}

	path := strings.Trim(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return Reference{}, fmt.Errorf("%w %q", ErrInvalidReference, raw)
	}
	ref := Reference{Owner: parts[len(parts)-2], Name: parts[len(parts)-1]}
	if ref.Owner == "" || ref.Name == "" {
		return Reference{}, fmt.Errorf("%w %q", ErrInvalidReference, raw)
	}
	return ref, nil
}
