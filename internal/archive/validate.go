package archive

import (
	"regexp"

	"github.com/fortemi/fortemi/internal/ferrors"
)

// namePattern matches archive ("memory") names: lowercase alphanumerics,
// underscore and hyphen, 1-51 characters. The cap leaves room for the
// "mem_" schema prefix under Postgres' 63-byte identifier limit.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,51}$`)

// validateName rejects anything that cannot become part of a Postgres
// schema identifier once prefixed with "mem_".
func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return ferrors.Newf(ferrors.Validation, "archive",
			"invalid archive name %q: must match %s", name, namePattern.String())
	}
	return nil
}
