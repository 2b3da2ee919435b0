package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// LoadManifestsFromDir reads every *.yaml/*.yml file directly under dir,
// parses it as a Manifest, validates it, and registers it into reg.
// Returns the count registered. A directory that doesn't exist yields
// (0, nil) — skills are an optional subsystem per config.SkillsConfig.
func LoadManifestsFromDir(dir string, reg *Registry) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("skills: read manifest dir %s: %w", dir, err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return count, fmt.Errorf("skills: read manifest %s: %w", path, err)
		}
		var m Manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return count, fmt.Errorf("skills: parse manifest %s: %w", path, err)
		}
		if err := m.Validate(); err != nil {
			return count, fmt.Errorf("skills: invalid manifest %s: %w", path, err)
		}
		if err := reg.Register(m); err != nil {
			return count, fmt.Errorf("skills: register manifest %s: %w", path, err)
		}
		count++
	}
	return count, nil
}
