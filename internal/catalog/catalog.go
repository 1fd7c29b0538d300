// Package catalog finds the extracted signature files a run can process.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const signaturesSuffix = ".signatures.json"

// Library is one extracted library version ready for the pipeline.
type Library struct {
	Name       string `yaml:"name" json:"name"`
	Version    string `yaml:"version" json:"version"`
	Signatures string `yaml:"signatures" json:"signatures"`
}

// Slug is the filesystem-safe "<name>-<version>" used for work directories
// and storage keys. Scoped names lose their scope ("@types/node" -> "node").
func (l Library) Slug() string {
	return SafeName(l.Name) + "-" + l.Version
}

// SafeName drops an npm scope and replaces path separators.
func SafeName(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "@") {
		if _, rest, ok := strings.Cut(name, "/"); ok {
			name = rest
		}
	}
	return strings.NewReplacer("/", "_", "\\", "_").Replace(name)
}

// ParseFileName splits "<name>-<version>.signatures.json". The version is the
// longest dash-separated suffix that parses as semver, or the literal
// "latest".
func ParseFileName(base string) (name, version string, ok bool) {
	stem, found := strings.CutSuffix(base, signaturesSuffix)
	if !found {
		return "", "", false
	}
	for i := 0; i < len(stem); i++ {
		if stem[i] != '-' || i == 0 {
			continue
		}
		rest := stem[i+1:]
		if rest == "latest" {
			return stem[:i], rest, true
		}
		if _, err := semver.NewVersion(rest); err == nil {
			return stem[:i], rest, true
		}
	}
	return "", "", false
}

// Scan lists every signature file in dir, sorted by name then ascending
// version.
func Scan(dir string) ([]Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var out []Library
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, version, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		out = append(out, Library{Name: name, Version: version, Signatures: filepath.Join(dir, e.Name())})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return compareVersions(out[i].Version, out[j].Version) < 0
	})
	return out, nil
}

// Discover returns the highest version of each library found in dir.
func Discover(dir string) ([]Library, error) {
	all, err := Scan(dir)
	if err != nil {
		return nil, err
	}
	return Latest(all), nil
}

// Latest keeps the highest version per library name. Input order is not
// required; output is sorted by name.
func Latest(libs []Library) []Library {
	best := map[string]Library{}
	for _, l := range libs {
		cur, seen := best[l.Name]
		if !seen || compareVersions(l.Version, cur.Version) > 0 {
			best[l.Name] = l
		}
	}
	out := make([]Library, 0, len(best))
	for _, l := range best {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Merge overlays pinned libraries onto discovered ones. A pinned entry
// replaces the discovered entry of the same name; a pinned entry without a
// signatures path borrows the discovered one when the versions agree.
func Merge(discovered, pinned []Library) []Library {
	byName := map[string]Library{}
	for _, l := range discovered {
		byName[l.Name] = l
	}
	for _, p := range pinned {
		if p.Signatures == "" {
			if d, ok := byName[p.Name]; ok && d.Version == p.Version {
				p.Signatures = d.Signatures
			}
		}
		byName[p.Name] = p
	}
	out := make([]Library, 0, len(byName))
	for _, l := range byName {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var ErrNoMatch = errors.New("catalog: no matching library")

// Select picks the highest version of name that satisfies constraint. An
// empty constraint or "latest" selects the highest stable version.
func Select(libs []Library, name, constraint string) (Library, error) {
	var cands []Library
	for _, l := range libs {
		if l.Name == name {
			cands = append(cands, l)
		}
	}
	if len(cands) == 0 {
		return Library{}, fmt.Errorf("%w: %s", ErrNoMatch, name)
	}
	sort.SliceStable(cands, func(i, j int) bool { return compareVersions(cands[i].Version, cands[j].Version) > 0 })

	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "latest" {
		for _, l := range cands {
			if v, err := semver.NewVersion(l.Version); err == nil && v.Prerelease() == "" {
				return l, nil
			}
		}
		return cands[0], nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return Library{}, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	for _, l := range cands {
		if v, err := semver.NewVersion(l.Version); err == nil && c.Check(v) {
			return l, nil
		}
	}
	return Library{}, fmt.Errorf("%w: %s %s", ErrNoMatch, name, constraint)
}

// compareVersions orders semver strings; anything unparseable ("latest")
// sorts before every real version.
func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}
