package schema

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Request body schema ids.
const (
	Register       = "register"
	Login          = "login"
	UpdateUsername = "update_username"
	UpdatePassword = "update_password"
	UpdateEmail    = "update_email"
	Laptop         = "laptop"
	AdminSearch    = "admin_search"
	ResultFile     = "result_file"
)

//go:embed requests/*.json
var requestFS embed.FS

// Registry holds compiled schemas by id.
type Registry struct {
	compiled map[string]*jsonschema.Schema
}

// NewRegistry compiles every schema up front so a broken one fails startup
// rather than a request.
func NewRegistry(schemas map[string][]byte) (*Registry, error) {
	r := &Registry{compiled: make(map[string]*jsonschema.Schema, len(schemas))}
	for id, body := range schemas {
		c, err := compile(id, body)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", id, err)
		}
		r.compiled[id] = c
	}
	return r, nil
}

// Requests returns a registry of the API's request body schemas.
func Requests() (*Registry, error) {
	entries, err := requestFS.ReadDir("requests")
	if err != nil {
		return nil, err
	}
	schemas := map[string][]byte{}
	for _, e := range entries {
		data, err := requestFS.ReadFile(path.Join("requests", e.Name()))
		if err != nil {
			return nil, err
		}
		schemas[strings.TrimSuffix(e.Name(), ".json")] = data
	}
	return NewRegistry(schemas)
}

// Validate checks value against schema id.
func (r *Registry) Validate(id string, value any) error {
	c, ok := r.compiled[id]
	if !ok {
		return fmt.Errorf("unknown schema %q", id)
	}
	return validate(id, c, value)
}

// IDs lists registered schema ids.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.compiled))
	for id := range r.compiled {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
