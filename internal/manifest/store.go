package manifest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"forgescan/tool-runner/internal/model"
)

// ErrUnknownTool is returned when no manifest exists for a tool name.
var ErrUnknownTool = errors.New("unknown tool")

// Provider resolves trusted manifests by tool name.
type Provider interface {
	Get(name string) (*model.ToolManifest, error)
}

type fileState struct {
	hash  string
	tools []*model.ToolManifest
}

// Store serves manifests loaded from YAML files in a directory. Each file may
// hold several YAML documents, one manifest each. Manifests are cached for
// the life of the process and refreshed when file contents change.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu        sync.RWMutex
	manifests map[string]*model.ToolManifest
	files     map[string]*fileState
	static    map[string]*model.ToolManifest
}

// NewStore creates a store reading from dir. An empty dir serves only
// manifests registered with Put.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:       dir,
		logger:    logger.With().Str("component", "manifests").Logger(),
		manifests: make(map[string]*model.ToolManifest),
		files:     make(map[string]*fileState),
		static:    make(map[string]*model.ToolManifest),
	}
}

// Get returns the manifest for name.
func (s *Store) Get(name string) (*model.ToolManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownTool, name)
	}
	return m, nil
}

// Names returns the sorted names of all loaded manifests.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.manifests))
	for name := range s.manifests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Put validates and registers a manifest that does not come from disk.
func (s *Store) Put(m *model.ToolManifest) error {
	if err := Validate(m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static[m.Name] = m
	s.manifests[m.Name] = m
	return nil
}

// Load reads the directory. A file that fails to parse or validate keeps the
// manifests it provided on the previous successful load; the first error is
// returned so startup can refuse a broken directory.
func (s *Store) Load() error {
	if s.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrapf(err, "reading manifest dir %s", s.dir)
	}

	s.mu.RLock()
	previous := s.files
	s.mu.RUnlock()

	files := make(map[string]*fileState, len(entries))
	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			firstErr = keepFirst(firstErr, errors.Wrapf(err, "reading %s", path))
			if prev, ok := previous[path]; ok {
				files[path] = prev
			}
			continue
		}

		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])
		if prev, ok := previous[path]; ok && prev.hash == hash {
			files[path] = prev
			continue
		}

		tools, err := ParseManifests(data)
		if err != nil {
			err = errors.Wrapf(err, "loading %s", path)
			s.logger.Error().Err(err).Str("path", path).Msg("manifest rejected")
			firstErr = keepFirst(firstErr, err)
			if prev, ok := previous[path]; ok {
				files[path] = prev
			}
			continue
		}
		files[path] = &fileState{hash: hash, tools: tools}
		s.logger.Info().Str("path", path).Int("tools", len(tools)).Msg("manifest file loaded")
	}

	manifests := make(map[string]*model.ToolManifest)
	for _, m := range s.static {
		manifests[m.Name] = m
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		for _, m := range files[p].tools {
			if _, dup := manifests[m.Name]; dup {
				s.logger.Warn().Str("tool", m.Name).Str("path", p).Msg("duplicate manifest, later file wins")
			}
			manifests[m.Name] = m
		}
	}

	s.mu.Lock()
	s.files = files
	s.manifests = manifests
	s.mu.Unlock()
	return firstErr
}

// Watch reloads the directory on the given interval until ctx is done.
func (s *Store) Watch(ctx context.Context, interval time.Duration) error {
	if s.dir == "" || interval <= 0 {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+interval.String(), func() {
		if err := s.Load(); err != nil {
			s.logger.Warn().Err(err).Msg("manifest reload incomplete")
		}
	}); err != nil {
		return errors.Wrap(err, "scheduling manifest reload")
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// ParseManifests decodes and validates every YAML document in data.
func ParseManifests(data []byte) ([]*model.ToolManifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*model.ToolManifest
	for {
		var m model.ToolManifest
		err := dec.Decode(&m)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "parsing manifest yaml")
		}
		if err := Validate(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if len(out) == 0 {
		return nil, errors.New("no manifests in file")
	}
	return out, nil
}

func keepFirst(first, err error) error {
	if first != nil {
		return first
	}
	return err
}
