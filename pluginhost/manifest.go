package pluginhost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Capability names one privileged operation class a plugin may request.
type Capability string

const (
	CapFSRead       Capability = "fs-read"
	CapFSWrite      Capability = "fs-write"
	CapProcessSpawn Capability = "process-spawn"
	CapNetwork      Capability = "network"
)

// ManifestFileName is the per-plugin manifest file.
const ManifestFileName = "plugin.json"

// Manifest declares what a plugin serves and what it is allowed to do.
type Manifest struct {
	Name         string       `json:"name"`
	Namespaces   []string     `json:"namespaces"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Selector     string       `json:"selector,omitempty"`

	// Dir is the plugin's own directory, populated during discovery.
	Dir string `json:"-"`
}

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "namespaces"],
  "additionalProperties": false,
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[a-z0-9][a-z0-9._-]*$"
    },
    "namespaces": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "string",
        "pattern": "^[a-zA-Z0-9_-]+$"
      }
    },
    "capabilities": {
      "type": "array",
      "uniqueItems": true,
      "items": {
        "type": "string",
        "enum": ["fs-read", "fs-write", "process-spawn", "network"]
      }
    },
    "selector": { "type": "string" }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func manifestValidator() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchema))
	})
	return compiledSchema, schemaErr
}

// ParseManifest validates raw manifest bytes against the schema and decodes
// them.
func ParseManifest(data []byte) (Manifest, error) {
	schema, err := manifestValidator()
	if err != nil {
		return Manifest{}, fmt.Errorf("compile manifest schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Manifest{}, fmt.Errorf("validate manifest: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return Manifest{}, fmt.Errorf("invalid manifest: %s", strings.Join(problems, "; "))
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// LoadManifest reads and validates the manifest in dir.
func LoadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", dir, err)
	}
	m.Dir = dir
	return m, nil
}

// Discover scans searchPath for plugin directories carrying a manifest.
// Directories without one are skipped; directories with an invalid one are
// reported through the errs slice so a single bad plugin cannot block the
// rest.
func Discover(searchPath string) (manifests []Manifest, errs []error) {
	entries, err := os.ReadDir(searchPath)
	if err != nil {
		return nil, []error{fmt.Errorf("read plugin search path: %w", err)}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(searchPath, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
			continue
		}
		m, err := LoadManifest(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, errs
}

// Has reports whether the manifest declares cap.
func (m Manifest) Has(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
