package auth

import (
	"strings"
	"unicode"
)

// PermUserGetAll grants the user listing operation.
const PermUserGetAll = "User.GetAll"

// Permission describes a known permission claim value.
type Permission struct {
	Key         string
	Description string
}

// BuiltinPermissions lists the permission claims the service checks.
var BuiltinPermissions = []Permission{
	{Key: PermUserGetAll, Description: "List all user accounts"},
}

// Operation is a protected operation and the permissions that unlock it.
// Holding any one of the permissions is enough.
type Operation struct {
	Name        string
	Permissions []string
}

// ParseRequiredPermissions flattens declared permission entries. An entry may
// hold several permissions separated by commas, semicolons, pipes or
// whitespace. Duplicates are dropped; order is kept.
func ParseRequiredPermissions(declared []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, entry := range declared {
		for _, p := range strings.FieldsFunc(entry, isPermissionDelimiter) {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func isPermissionDelimiter(r rune) bool {
	return r == ',' || r == ';' || r == '|' || unicode.IsSpace(r)
}
