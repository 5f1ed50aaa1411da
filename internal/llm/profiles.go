package llm

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/soddygo/kode-acp/pkg/models"
)

// ProfileFile is the top-level structure of models.yaml.
type ProfileFile struct {
	Pointers map[models.Pointer]string `yaml:"pointers,omitempty"`
	Current  string                    `yaml:"current,omitempty"`
	Profiles []models.ModelProfile     `yaml:"profiles"`
}

// DefaultProfiles returns the built-in echo profile set used when no
// models.yaml exists.
func DefaultProfiles() *ProfileFile {
	return &ProfileFile{
		Profiles: []models.ModelProfile{
			{Name: "echo-large", Provider: EchoProvider, ModelID: "echo-large", MaxTokens: 4096, ContextWindow: 200000, Temperature: 0.7},
			{Name: "echo-small", Provider: EchoProvider, ModelID: "echo-small", MaxTokens: 1024, ContextWindow: 32000, Temperature: 0.2},
		},
		Pointers: map[models.Pointer]string{
			models.PointerMain:      "echo-large",
			models.PointerTask:      "echo-small",
			models.PointerReasoning: "echo-large",
			models.PointerQuick:     "echo-small",
		},
		Current: "echo-large",
	}
}

// LoadProfiles reads the YAML file at path.
// If the file does not exist, LoadProfiles returns DefaultProfiles (not an error).
func LoadProfiles(path string) (*ProfileFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultProfiles(), nil
		}
		return nil, err
	}

	var pf ProfileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := pf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &pf, nil
}

// Validate checks profile names are present and unique and that pointers
// name known slots. Pointer targets are not checked here.
func (pf *ProfileFile) Validate() error {
	seen := make(map[string]bool, len(pf.Profiles))
	for i, p := range pf.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profile %d has no name", i)
		}
		if p.Provider == "" {
			return fmt.Errorf("profile %s has no provider", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate profile %s", p.Name)
		}
		seen[p.Name] = true
	}
	for ptr := range pf.Pointers {
		if !ptr.Valid() {
			return fmt.Errorf("unknown pointer %s", ptr)
		}
	}
	return nil
}

// WriteProfiles writes pf to path, creating the parent directory.
func WriteProfiles(path string, pf *ProfileFile) error {
	data, err := yaml.Marshal(pf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
