package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveWorker adds or replaces one worker entry in the config file.
// Comments and formatting in other sections are preserved by editing the
// yaml.Node tree instead of re-marshaling the whole config.
func SaveWorker(configPath, name string, w WorkerConfig) error {
	if name == "" {
		return fmt.Errorf("worker name is required")
	}
	if err := ValidateWorkers(map[string]WorkerConfig{name: w}); err != nil {
		return err
	}

	var entry yaml.Node
	if err := entry.Encode(newWorkerEntry(w)); err != nil {
		return fmt.Errorf("encoding worker: %w", err)
	}

	return editConfig(configPath, func(root *yaml.Node) {
		workers := mappingValue(root, "workers")
		setMappingValue(workers, name, &entry)
	})
}

// workerEntry is the on-disk form of WorkerConfig. Durations are written
// the way they are read back ("600s"), not as nanoseconds.
type workerEntry struct {
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args,omitempty,flow"`
	Dir         string   `yaml:"dir,omitempty"`
	Env         []string `yaml:"env,omitempty"`
	Timeout     string   `yaml:"timeout,omitempty"`
	StderrLines int      `yaml:"stderr_lines,omitempty"`
}

func newWorkerEntry(w WorkerConfig) workerEntry {
	e := workerEntry{
		Command:     w.Command,
		Args:        w.Args,
		Dir:         w.Dir,
		Env:         w.Env,
		StderrLines: w.StderrLines,
	}
	if w.Timeout > 0 {
		e.Timeout = w.Timeout.String()
	}
	return e
}

// RemoveWorker deletes one worker entry from the config file. Removing a
// missing entry is not an error.
func RemoveWorker(configPath, name string) error {
	return editConfig(configPath, func(root *yaml.Node) {
		workers := mappingValue(root, "workers")
		for i := 0; i < len(workers.Content)-1; i += 2 {
			if workers.Content[i].Value == name {
				workers.Content = append(workers.Content[:i], workers.Content[i+2:]...)
				return
			}
		}
	})
}

// editConfig loads configPath as a yaml.Node document, applies edit to the
// root mapping and writes the result atomically.
func editConfig(configPath string, edit func(root *yaml.Node)) error {
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("parsing config: top level is not a mapping")
	}

	edit(doc.Content[0])

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// mappingValue returns the mapping stored under key, creating it if absent
// or replacing a non-mapping value.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i < len(m.Content)-1; i += 2 {
		if m.Content[i].Value == key {
			v := m.Content[i+1]
			if v.Kind != yaml.MappingNode {
				v = &yaml.Node{Kind: yaml.MappingNode}
				m.Content[i+1] = v
			}
			return v
		}
	}
	v := &yaml.Node{Kind: yaml.MappingNode}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, v)
	return v
}

func setMappingValue(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i < len(m.Content)-1; i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, value)
}

// writeAtomic writes to a temp file in the same directory, then renames.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".aime.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
