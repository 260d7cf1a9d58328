package scenario

import (
	"golang.org/x/mod/semver"
)

// Format is the newest scenario format this package reads. Files declare
// the format they were written for; any v1 format up to Format is
// accepted.
const Format = "v1.1.0"

// checkFormat validates the declared format of a scenario file.
func checkFormat(file, format string) error {
	if format == "" {
		return errorf(file, "format", "missing format version").
			withSuggestion("Add \"format\": %q at the top level", Format)
	}
	if !semver.IsValid(format) {
		return errorf(file, "format", "invalid format version %q", format).
			withSuggestion("Use a semantic version such as %q", Format)
	}
	if semver.Major(format) != semver.Major(Format) {
		return errorf(file, "format", "unsupported format %s (this build reads %s)",
			format, semver.Major(Format)+".x")
	}
	if semver.Compare(semver.Canonical(format), Format) > 0 {
		return errorf(file, "format", "format %s is newer than supported %s", format, Format).
			withSuggestion("Upgrade gcmark or lower the format version")
	}
	return nil
}
