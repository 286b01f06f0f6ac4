package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/eventmon/pkg/types"
)

// File persists the server list back into a config file. Only the servers
// key is rewritten; every other key, including unresolved secret
// references and comments, is kept as it is on disk.
type File struct {
	path string
}

// NewFile returns a saver for the config file at path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Load reads the servers list. Ids are returned exactly as stored; entries
// without one keep a zero id (see Config.AssignMissingIDs).
func (f *File) Load() ([]types.ServerEntry, error) {
	cfg, err := LoadFromFile(f.path)
	if err != nil {
		return nil, err
	}
	return cfg.Servers, nil
}

// Save writes entries as the servers list. The file is replaced atomically.
func (f *File) Save(entries []types.ServerEntry) error {
	doc, mode, err := f.readDocument()
	if err != nil {
		return err
	}

	if entries == nil {
		entries = []types.ServerEntry{}
	}
	var servers yaml.Node
	if err := servers.Encode(entries); err != nil {
		return fmt.Errorf("encoding servers: %w", err)
	}

	root := doc.Content[0]
	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "servers" {
			root.Content[i+1] = &servers
			replaced = true
			break
		}
	}
	if !replaced {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "servers"},
			&servers,
		)
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return writeAtomic(f.path, data, mode)
}

// readDocument parses the current file as a YAML node tree. A missing or
// empty file yields an empty mapping.
func (f *File) readDocument() (*yaml.Node, os.FileMode, error) {
	mode := os.FileMode(0o600)
	empty := &yaml.Node{
		Kind:    yaml.DocumentNode,
		Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
	}

	info, err := os.Stat(f.path)
	if os.IsNotExist(err) {
		return empty, mode, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("checking config file: %w", err)
	}
	mode = info.Mode().Perm()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, 0, fmt.Errorf("reading config file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("parsing config file: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return empty, mode, nil
	}
	if doc.Content[0].Kind != yaml.MappingNode {
		return nil, 0, fmt.Errorf("config file %s: top level is not a mapping", f.path)
	}
	return &doc, mode, nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("setting config file mode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing config file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}
