package auth

import "strings"

// Category is the access class of a request path.
type Category int

const (
	CategoryUnauthenticatedOnly Category = iota
	CategoryPublic
	CategoryAdmin
	CategoryAuthenticated
)

func (c Category) String() string {
	switch c {
	case CategoryUnauthenticatedOnly:
		return "unauthenticated_only"
	case CategoryPublic:
		return "public"
	case CategoryAdmin:
		return "admin"
	default:
		return "authenticated"
	}
}

// PathClassifier assigns each path to exactly one category. Patterns ending
// in "/" match as prefixes, anything else must match exactly. Categories are
// checked in declaration order and the first match wins; unmatched paths are
// authenticated.
type PathClassifier struct {
	unauthOnly []string
	public     []string
	admin      []string
}

func NewPathClassifier(unauthOnly, public, admin []string) *PathClassifier {
	return &PathClassifier{
		unauthOnly: clean(unauthOnly),
		public:     clean(public),
		admin:      clean(admin),
	}
}

// DefaultPathClassifier covers the routes served by the API process.
func DefaultPathClassifier() *PathClassifier {
	return NewPathClassifier(
		[]string{"/auth/login/user", "/auth/login/admin", "/auth/register"},
		[]string{"/", "/health"},
		[]string{"/admin/"},
	)
}

func (c *PathClassifier) Classify(path string) Category {
	if path == "" {
		path = "/"
	}
	switch {
	case matchAny(c.unauthOnly, path):
		return CategoryUnauthenticatedOnly
	case matchAny(c.public, path):
		return CategoryPublic
	case matchAny(c.admin, path):
		return CategoryAdmin
	default:
		return CategoryAuthenticated
	}
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if p == path {
			return true
		}
		if p != "/" && strings.HasSuffix(p, "/") && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func clean(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
