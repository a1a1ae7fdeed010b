// Package metadata defines the JSON entities shared between a
// repository and a workspace: the current/versions/packages index
// files, per-package operation lists, and the workspace state.
//
// All index files carry a "version" discriminator so the schema can
// evolve; this package reads and writes schema version "1" only.
package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/deltaup/deltaup"
)

// SchemaVersion tags every JSON document written by this package.
const SchemaVersion = "1"

// Filenames of the three repository index files.
const (
	CurrentFilename  = "current"
	VersionsFilename = "versions"
	PackagesFilename = "packages"
)

// Version is one changelog entry.
type Version struct {
	Revision    deltaup.CleanName `json:"revision"`
	Description string            `json:"description"`
}

// Current points at the latest revision of the repository.
type Current struct {
	Current Version
}

// Versions is the ordered changelog; order is chronological.
type Versions struct {
	Versions []Version
}

// Packages is the set of packages the repository serves, i.e. the
// edges of the update graph.
type Packages struct {
	Packages []Package
}

// Package is a directed edge between two revisions. A Package with an
// empty From is a complete (standalone) package which can be applied
// onto an empty workspace.
type Package struct {
	From deltaup.CleanName // empty for complete packages
	To   deltaup.CleanName
	Size uint64
}

// IsStandalone reports whether the package requires no previous
// revision.
func (p *Package) IsStandalone() bool { return p.From == "" }

func (p *Package) name(suffix string) deltaup.CleanName {
	var s string
	if p.From == "" {
		s = fmt.Sprintf("complete_%s%s", p.To, suffix)
	} else {
		s = fmt.Sprintf("patch%s_%s%s", p.From, p.To, suffix)
	}
	return deltaup.MustCleanName(s)
}

// DataName is the repository file name of the package's binary blob.
func (p *Package) DataName() deltaup.CleanName { return p.name("") }

// MetadataName is the repository file name of the package's metadata.
func (p *Package) MetadataName() deltaup.CleanName { return p.name(".metadata") }

type packageWire struct {
	From string `json:"from"`
	To   string `json:"to"`
	Size uint64 `json:"size,string"`
}

func (p Package) MarshalJSON() ([]byte, error) {
	return json.Marshal(packageWire{
		From: string(p.From),
		To:   string(p.To),
		Size: p.Size,
	})
}

func (p *Package) UnmarshalJSON(b []byte) error {
	var w packageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.From != "" {
		from, err := deltaup.NewCleanName(w.From)
		if err != nil {
			return err
		}
		p.From = from
	} else {
		p.From = ""
	}
	to, err := deltaup.NewCleanName(w.To)
	if err != nil {
		return err
	}
	p.To = to
	p.Size = w.Size
	return nil
}

// PackageMetadata is the full description of one package: its graph
// edge plus the ordered operation list.
type PackageMetadata struct {
	Package    Package
	Operations []Operation
}

// Checks is the contents of a workspace check.json: the Check-form
// operations of the last applied package.
type Checks struct {
	Operations []Operation
}

func checkSchemaVersion(got string) error {
	if got != SchemaVersion {
		return fmt.Errorf("unsupported schema version %q (want %q)", got, SchemaVersion)
	}
	return nil
}

func (c Current) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Version string  `json:"version"`
		Current Version `json:"current"`
	}{SchemaVersion, c.Current})
}

func (c *Current) UnmarshalJSON(b []byte) error {
	var w struct {
		Version string  `json:"version"`
		Current Version `json:"current"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if err := checkSchemaVersion(w.Version); err != nil {
		return err
	}
	c.Current = w.Current
	return nil
}

func (v Versions) MarshalJSON() ([]byte, error) {
	versions := v.Versions
	if versions == nil {
		versions = []Version{}
	}
	return json.Marshal(struct {
		Version  string    `json:"version"`
		Versions []Version `json:"versions"`
	}{SchemaVersion, versions})
}

func (v *Versions) UnmarshalJSON(b []byte) error {
	var w struct {
		Version  string    `json:"version"`
		Versions []Version `json:"versions"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if err := checkSchemaVersion(w.Version); err != nil {
		return err
	}
	v.Versions = w.Versions
	return nil
}

func (p Packages) MarshalJSON() ([]byte, error) {
	packages := p.Packages
	if packages == nil {
		packages = []Package{}
	}
	return json.Marshal(struct {
		Version  string    `json:"version"`
		Packages []Package `json:"packages"`
	}{SchemaVersion, packages})
}

func (p *Packages) UnmarshalJSON(b []byte) error {
	var w struct {
		Version  string    `json:"version"`
		Packages []Package `json:"packages"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if err := checkSchemaVersion(w.Version); err != nil {
		return err
	}
	p.Packages = w.Packages
	return nil
}

func (m PackageMetadata) MarshalJSON() ([]byte, error) {
	operations := m.Operations
	if operations == nil {
		operations = []Operation{}
	}
	return json.Marshal(struct {
		Version    string      `json:"version"`
		Package    Package     `json:"package"`
		Operations []Operation `json:"operations"`
	}{SchemaVersion, m.Package, operations})
}

func (m *PackageMetadata) UnmarshalJSON(b []byte) error {
	var w struct {
		Version    string      `json:"version"`
		Package    Package     `json:"package"`
		Operations []Operation `json:"operations"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if err := checkSchemaVersion(w.Version); err != nil {
		return err
	}
	m.Package = w.Package
	m.Operations = w.Operations
	return nil
}

func (c Checks) MarshalJSON() ([]byte, error) {
	operations := c.Operations
	if operations == nil {
		operations = []Operation{}
	}
	return json.Marshal(struct {
		Version    string      `json:"version"`
		Operations []Operation `json:"operations"`
	}{SchemaVersion, operations})
}

func (c *Checks) UnmarshalJSON(b []byte) error {
	var w struct {
		Version    string      `json:"version"`
		Operations []Operation `json:"operations"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if err := checkSchemaVersion(w.Version); err != nil {
		return err
	}
	c.Operations = w.Operations
	return nil
}
