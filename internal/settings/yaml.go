package settings

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// exportFormatVersion is bumped when the export document layout changes.
const exportFormatVersion = 1

type exportDocument struct {
	Format     int           `yaml:"format"`
	ExportedAt time.Time     `yaml:"exported_at"`
	Settings   SessionConfig `yaml:"settings"`
}

// ExportYAML writes cfg as an import-compatible YAML document.
func ExportYAML(w io.Writer, cfg SessionConfig, now time.Time) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	doc := exportDocument{Format: exportFormatVersion, ExportedAt: now.UTC(), Settings: cfg}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("settings: encode yaml: %w", err)
	}
	return enc.Close()
}

// ImportYAML reads a document written by ExportYAML. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func ImportYAML(r io.Reader) (SessionConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	doc := exportDocument{Settings: DefaultSessionConfig()}
	if err := dec.Decode(&doc); err != nil {
		return SessionConfig{}, fmt.Errorf("settings: decode yaml: %w", err)
	}
	if doc.Format != exportFormatVersion {
		return SessionConfig{}, fmt.Errorf("settings: unsupported export format %d", doc.Format)
	}
	if err := doc.Settings.Validate(); err != nil {
		return SessionConfig{}, err
	}
	return doc.Settings.Normalize(), nil
}
