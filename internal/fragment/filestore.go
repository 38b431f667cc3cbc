package fragment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileFragment is the on-disk YAML shape of a fragment.
type fileFragment struct {
	Key        string   `yaml:"key"`
	Domain     string   `yaml:"domain"`
	Version    string   `yaml:"version"`
	TokenCount int      `yaml:"token_count"`
	Relevance  float64  `yaml:"relevance"`
	Tags       []string `yaml:"tags"`
	Content    string   `yaml:"content"`
}

// FileStore serves fragments from a directory of YAML files, one fragment
// per file, named <key>.yaml. Files are read on demand so edits take
// effect without a restart; the tiered cache in front of the store absorbs
// the read cost.
type FileStore struct {
	dir string

	mu       sync.RWMutex
	tagIndex map[string][]string // tag -> keys, rebuilt on ReloadIndex
}

// NewFileStore opens a fragment directory and builds the tag index.
func NewFileStore(dir string) (*FileStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("fragment dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fragment dir %s: not a directory", dir)
	}

	s := &FileStore{dir: dir}
	if err := s.ReloadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// FetchFragment reads one fragment file by key.
func (s *FileStore) FetchFragment(ctx context.Context, key string) (*Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.ContainsAny(key, "/\\") {
		return nil, fmt.Errorf("fragment key %q: invalid character", key)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, key+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("fragment %q: %w", key, err)
	}
	return parseFragment(key, data)
}

// FetchByTags returns every fragment carrying all of the tags, sorted by
// key. Candidates come from the index on the first tag; the remaining
// tags are verified against the loaded fragment.
func (s *FileStore) FetchByTags(ctx context.Context, tags []string) ([]*Fragment, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	keys := append([]string{}, s.tagIndex[tags[0]]...)
	s.mu.RUnlock()
	sort.Strings(keys)

	var frags []*Fragment
	for _, key := range keys {
		frag, err := s.FetchFragment(ctx, key)
		if err != nil {
			return nil, err
		}
		if hasAllTags(frag.Tags, tags) {
			frags = append(frags, frag)
		}
	}
	return frags, nil
}

// ReloadIndex rescans the directory and rebuilds the tag index.
func (s *FileStore) ReloadIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan fragment dir %s: %w", s.dir, err)
	}

	index := make(map[string][]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		key := strings.TrimSuffix(name, ".yaml")

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("read fragment %s: %w", name, err)
		}
		frag, err := parseFragment(key, data)
		if err != nil {
			return err
		}
		for _, tag := range frag.Tags {
			index[tag] = append(index[tag], key)
		}
	}

	s.mu.Lock()
	s.tagIndex = index
	s.mu.Unlock()
	return nil
}

func parseFragment(key string, data []byte) (*Fragment, error) {
	var ff fileFragment
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse fragment %q: %w", key, err)
	}
	if ff.Key == "" {
		ff.Key = key
	}
	frag := &Fragment{
		Key:        ff.Key,
		Domain:     ff.Domain,
		Version:    ff.Version,
		Content:    []byte(ff.Content),
		TokenCount: ff.TokenCount,
		Relevance:  ff.Relevance,
		Tags:       ff.Tags,
	}
	if frag.TokenCount <= 0 {
		frag.TokenCount = estimateTokens(frag.Content)
	}
	return frag, nil
}

// estimateTokens approximates a token count from byte length. Four bytes
// per token tracks typical English prose close enough for budgeting.
func estimateTokens(content []byte) int {
	n := len(content) / 4
	if n == 0 && len(content) > 0 {
		n = 1
	}
	return n
}
