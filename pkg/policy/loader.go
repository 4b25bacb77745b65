package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// decoders turns the content of a policy file into a Policy, keyed by file
// extension. Definitions (.json, .yaml) carry the Rego module inline.
var decoders = map[string]func(name string, data []byte) (*Policy, error){
	".rego": decodeRego,
	".json": func(name string, data []byte) (*Policy, error) {
		return decodeDefinition(name, data, json.Unmarshal)
	},
	".yaml": func(name string, data []byte) (*Policy, error) {
		return decodeDefinition(name, data, yaml.Unmarshal)
	},
	".yml": func(name string, data []byte) (*Policy, error) {
		return decodeDefinition(name, data, yaml.Unmarshal)
	},
}

// Loader reads user policies from files and directories.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every path in order. A directory contributes the
// policy files directly inside it, sorted by name; unreadable files in a
// directory are skipped with a warning, while a named file must load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var loaded []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files, err := policyFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, file := range files {
			p, err := l.loadFile(file)
			if err != nil {
				if file == path {
					return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
				}
				l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
				continue
			}
			loaded = append(loaded, *p)
		}
	}

	l.logger.Debug().Int("total", len(loaded)).Int("sources", len(paths)).Msg("Policies loaded from paths")
	return loaded, nil
}

// policyFiles expands path into the files to load. os.ReadDir returns
// entries sorted by name.
func policyFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if _, ok := decoders[filepath.Ext(entry.Name())]; ok && !entry.IsDir() {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	return files, nil
}

func (l *Loader) loadFile(path string) (*Policy, error) {
	ext := filepath.Ext(path)
	decode, ok := decoders[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file type %q", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	p, err := decode(strings.TrimSuffix(filepath.Base(path), ext), data)
	if err != nil {
		return nil, err
	}
	p.Source = path

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded from file")
	return p, nil
}

// decodeRego names the policy after its file; the leading comment block
// becomes the description.
func decodeRego(name string, data []byte) (*Policy, error) {
	return &Policy{
		Name:        name,
		Description: leadingComment(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
	}, nil
}

func decodeDefinition(name string, data []byte, unmarshal func([]byte, any) error) (*Policy, error) {
	p := &Policy{Enabled: true}
	if err := unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy definition: %w", err)
	}
	if p.Name == "" {
		p.Name = name
	}
	if p.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego code", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return p, nil
}

func leadingComment(module string) string {
	var parts []string
	for _, line := range strings.Split(module, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		text, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
