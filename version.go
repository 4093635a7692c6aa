// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package pgtemp

import (
	"fmt"
	"os/exec"
	"regexp"
	"sync"

	"github.com/blang/semver"
)

var versionRe = regexp.MustCompile(`[0-9]+\.[0-9]+(\.[0-9]+)?`)

// postgresVersion shells out to "postgres --version" and parses the
// result into a semver.Version, caching the result for the lifetime of
// the process since the binary on PATH does not change mid-run.
var postgresVersion = sync.OnceValues(func() (semver.Version, error) {
	out, err := exec.Command("postgres", "--version").Output()
	if err != nil {
		return semver.Version{}, fmt.Errorf("postgres --version: %w", err)
	}
	match := versionRe.FindString(string(out))
	if match == "" {
		return semver.Version{}, fmt.Errorf("could not parse postgres version from %q", out)
	}
	// semver requires a full major.minor.patch triple; pad bare
	// "major.minor" releases (PostgreSQL dropped the third component
	// starting with the 10.x series).
	if !hasTwoDots(match) {
		match += ".0"
	}
	return semver.Parse(match)
})

func hasTwoDots(s string) bool {
	count := 0
	for _, r := range s {
		if r == '.' {
			count++
		}
	}
	return count >= 2
}

// supportsNoSync reports whether the installed postgres/initdb accepts
// the --no-sync flag (added in PostgreSQL 9.3 for initdb, always present
// for the server). We gate on it defensively even though every supported
// version in practice has it, following the teacher's habit of treating
// the installed binary as ground truth rather than assuming a version.
func supportsNoSync(v semver.Version) bool {
	min := semver.MustParse("9.3.0")
	return v.GE(min)
}
