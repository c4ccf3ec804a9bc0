package ollama

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultTag is assumed when a model reference carries no tag.
const DefaultTag = "latest"

// ErrInvalidModelID is returned when a model reference cannot be parsed.
var ErrInvalidModelID = errors.New("invalid model identifier")

// ModelID names a model artifact as a name:tag pair. The zero value is not a
// valid identifier; use ParseModelID.
type ModelID struct {
	Name string
	Tag  string
}

// ParseModelID parses "name" or "name:tag". The tag separator is the last
// colon after the last slash so registry references with a port
// ("host:5000/ns/model:7b") keep their host intact.
func ParseModelID(s string) (ModelID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModelID{}, fmt.Errorf("%w: empty", ErrInvalidModelID)
	}

	name, tag := s, ""
	slash := strings.LastIndex(s, "/")
	if colon := strings.LastIndex(s, ":"); colon > slash {
		name, tag = s[:colon], s[colon+1:]
	}
	if name == "" {
		return ModelID{}, fmt.Errorf("%w: %q has no name", ErrInvalidModelID, s)
	}
	if tag == "" {
		tag = DefaultTag
	}
	return ModelID{Name: strings.ToLower(name), Tag: strings.ToLower(tag)}, nil
}

// MustParseModelID is ParseModelID for constants; it panics on error.
func MustParseModelID(s string) ModelID {
	id, err := ParseModelID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the normalized "name:tag" form.
func (m ModelID) String() string {
	return m.Name + ":" + m.Tag
}

// Equal reports whether two identifiers name the same artifact.
func (m ModelID) Equal(o ModelID) bool {
	return m.String() == o.String()
}

// ContainsModel reports whether id appears in a list of installed model names
// as returned by ListModels. Unparseable entries are ignored.
func ContainsModel(installed []string, id ModelID) bool {
	for _, name := range installed {
		other, err := ParseModelID(name)
		if err != nil {
			continue
		}
		if other.Equal(id) {
			return true
		}
	}
	return false
}
