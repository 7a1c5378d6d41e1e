package strategy

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the current strategy config schema
const SchemaVersion = "1.0.0"

// CheckSchemaVersion verifies a template's schema version is parseable and
// within the supported major. Short versions like "1.0" are normalized by
// appending ".0".
func CheckSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("schema version is required")
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		v, err = semver.NewVersion(version + ".0")
		if err != nil {
			return fmt.Errorf("invalid schema version %q: %w", version, err)
		}
	}

	current, err := semver.NewVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid current schema version: %w", err)
	}

	if v.Major() != current.Major() {
		return fmt.Errorf("unsupported schema major version %d, current is %d", v.Major(), current.Major())
	}
	if v.GreaterThan(current) {
		return fmt.Errorf("schema version %s is newer than supported %s", version, SchemaVersion)
	}
	return nil
}
