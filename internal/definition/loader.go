// Package definition loads YAML wizard definitions, validates them, and
// provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/droponboard/model"
)

// Loader scans directories for YAML wizard definition files, parses them, and
// computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a WizardDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.WizardDefinition, error) {
	var defs []model.WizardDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML definition file. Unknown keys are
// rejected so a misspelled rule attribute cannot silently disable a check.
func (l *Loader) LoadFile(path string) (model.WizardDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WizardDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return model.WizardDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path

	return def, nil
}

// Parse decodes one wizard definition document and stamps its checksum.
func Parse(data []byte) (model.WizardDefinition, error) {
	var def model.WizardDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.WizardDefinition{}, err
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}
