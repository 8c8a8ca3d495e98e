package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"foreman/internal/errors"
	"foreman/internal/logging"
	"foreman/internal/shared/utils/fsutil"
	"foreman/internal/shared/utils/id"
)

const (
	stateDirName  = ".state"
	stateFileName = "state.json"
	indexFileName = "index.json"
)

type projectEntry struct {
	mu      sync.Mutex
	project *Project
}

// Store keeps every registered project in memory, backed by one state file
// per project and an index file mapping paths to ids.
type Store struct {
	mu           sync.Mutex
	registryRoot string
	index        map[string]string
	entries      map[string]*projectEntry
	logger       logging.Logger
}

type indexFile struct {
	UpdatedAt time.Time         `json:"updated_at"`
	Projects  map[string]string `json:"projects"`
}

// NewStore loads the registry index under registryRoot and every project
// state file it points at. Projects whose files are missing or malformed are
// kept in ERROR status rather than dropped.
func NewStore(registryRoot string, logger logging.Logger) (*Store, error) {
	s := &Store{
		registryRoot: registryRoot,
		index:        make(map[string]string),
		entries:      make(map[string]*projectEntry),
		logger:       logging.OrNop(logger),
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	for path, projectID := range s.index {
		p := s.loadProject(path, projectID)
		s.entries[projectID] = &projectEntry{project: p}
	}
	if len(s.entries) > 0 {
		s.logger.Info("loaded %d registered projects", len(s.entries))
	}
	return s, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.registryRoot, indexFileName)
}

// StateFilePath returns where a project's state file lives.
func StateFilePath(projectPath string) string {
	return filepath.Join(projectPath, stateDirName, stateFileName)
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, errors.KindPersistence, "read project index %s", s.indexPath())
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.Wrapf(err, errors.KindPersistence, "decode project index %s", s.indexPath())
	}
	for path, projectID := range file.Projects {
		s.index[path] = projectID
	}
	return nil
}

func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(indexFile{
		UpdatedAt: time.Now().UTC(),
		Projects:  s.index,
	}, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.KindPersistence, "encode project index")
	}
	if err := fsutil.AtomicWriteFile(s.indexPath(), data, 0o644); err != nil {
		return errors.Wrapf(err, errors.KindPersistence, "persist project index")
	}
	return nil
}

// loadProject reads one state file. Malformed content is run through JSON
// repair to recover what it can; the project lands in ERROR either way and
// the file is never rewritten during load.
func (s *Store) loadProject(path, projectID string) *Project {
	skeleton := &Project{
		ID:     projectID,
		Name:   filepath.Base(path),
		Path:   path,
		Status: StatusError,
	}

	data, err := os.ReadFile(StateFilePath(path))
	if err != nil {
		s.logger.Warn("project %s state file unreadable: %v", projectID, err)
		return skeleton
	}

	var p Project
	if err := json.Unmarshal(data, &p); err == nil {
		if !p.Status.IsValid() {
			p.Status = StatusError
		}
		return &p
	}

	repaired, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr == nil && json.Unmarshal([]byte(repaired), &p) == nil {
		s.logger.Warn("project %s state file was malformed, recovered fields and marked ERROR", projectID)
		p.Status = StatusError
		if p.ID == "" {
			p.ID = projectID
		}
		if p.Path == "" {
			p.Path = path
		}
		return &p
	}

	s.logger.Warn("project %s state file unrecoverable, marked ERROR", projectID)
	return skeleton
}

func saveProject(p *Project) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.KindPersistence, "encode project %s", p.ID)
	}
	if err := fsutil.AtomicWriteFile(StateFilePath(p.Path), data, 0o644); err != nil {
		return errors.Wrapf(err, errors.KindPersistence, "persist project %s", p.ID)
	}
	return nil
}

// normalizePath resolves a project path to its absolute cleaned form.
func normalizePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.Validationf("project path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Validationf("project path %q is not resolvable: %v", path, err)
	}
	return filepath.Clean(abs), nil
}

// Register adds a project directory to the registry. Registering an already
// known path returns the existing project.
func (s *Store) Register(name, path string) (Project, error) {
	abs, err := normalizePath(path)
	if err != nil {
		return Project{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(abs)
	}

	s.mu.Lock()
	if existingID, ok := s.index[abs]; ok {
		entry := s.entries[existingID]
		s.mu.Unlock()
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return entry.project.Clone(), nil
	}

	now := time.Now().UTC()
	p := &Project{
		ID:        id.NewProjectID(),
		Name:      name,
		Path:      abs,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := saveProject(p); err != nil {
		s.mu.Unlock()
		return Project{}, err
	}
	s.index[abs] = p.ID
	if err := s.saveIndexLocked(); err != nil {
		delete(s.index, abs)
		s.mu.Unlock()
		return Project{}, err
	}
	s.entries[p.ID] = &projectEntry{project: p}
	s.mu.Unlock()

	s.logger.Info("registered project %s (%s) at %s", p.Name, p.ID, abs)
	return p.Clone(), nil
}

func (s *Store) entryByID(projectID string) (*projectEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[projectID]
	if !ok {
		return nil, errors.NotFoundf("project %s not registered", projectID)
	}
	return entry, nil
}

// GetByID returns a snapshot of the project.
func (s *Store) GetByID(projectID string) (Project, error) {
	entry, err := s.entryByID(projectID)
	if err != nil {
		return Project{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.project.Clone(), nil
}

// GetByPath returns a snapshot of the project registered at path.
func (s *Store) GetByPath(path string) (Project, error) {
	abs, err := normalizePath(path)
	if err != nil {
		return Project{}, err
	}

	s.mu.Lock()
	projectID, ok := s.index[abs]
	s.mu.Unlock()
	if !ok {
		return Project{}, errors.NotFoundf("no project registered at %s", abs)
	}
	return s.GetByID(projectID)
}

// ListAll returns a snapshot of every registered project, sorted by name.
func (s *Store) ListAll() []Project {
	s.mu.Lock()
	entries := make([]*projectEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	out := make([]Project, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, entry.project.Clone())
		entry.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Update applies mutate to the project under its lock and persists the
// result. A failed write flips the project to READ_ONLY in memory and
// surfaces PersistenceError; later updates are refused with ReadOnly until
// Reactivate succeeds.
func (s *Store) Update(projectID string, mutate func(*Project) error) (Project, error) {
	return s.update(projectID, false, mutate)
}

func (s *Store) update(projectID string, force bool, mutate func(*Project) error) (Project, error) {
	entry, err := s.entryByID(projectID)
	if err != nil {
		return Project{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !force {
		switch entry.project.Status {
		case StatusReadOnly:
			return Project{}, errors.Newf(errors.KindReadOnly,
				"project %s is read-only after a failed write", projectID).
				WithHint("fix the underlying storage problem, then reactivate the project")
		case StatusError:
			return Project{}, errors.Newf(errors.KindInvalidProjectState,
				"project %s state could not be loaded", projectID).
				WithHint("inspect the state file, then reactivate the project")
		}
	}

	if mutate != nil {
		if err := mutate(entry.project); err != nil {
			return Project{}, err
		}
	}
	entry.project.UpdatedAt = time.Now().UTC()

	if err := saveProject(entry.project); err != nil {
		entry.project.Status = StatusReadOnly
		s.logger.Error("project %s write failed, now read-only: %v", projectID, err)
		return Project{}, err
	}
	return entry.project.Clone(), nil
}

// Reactivate forces the project back to ACTIVE and rewrites its state file,
// recovering from READ_ONLY or ERROR.
func (s *Store) Reactivate(projectID string) (Project, error) {
	return s.update(projectID, true, func(p *Project) error {
		p.Status = StatusActive
		return nil
	})
}

// SetStatus moves the project to the given status through the normal write
// path.
func (s *Store) SetStatus(projectID string, status Status) (Project, error) {
	if !status.IsValid() {
		return Project{}, errors.Validationf("unknown project status %q", status)
	}
	return s.Update(projectID, func(p *Project) error {
		p.Status = status
		return nil
	})
}

// Delete removes the project from the registry and deletes its state file.
func (s *Store) Delete(projectID string) error {
	s.mu.Lock()
	entry, ok := s.entries[projectID]
	if !ok {
		s.mu.Unlock()
		return errors.NotFoundf("project %s not registered", projectID)
	}

	entry.mu.Lock()
	path := entry.project.Path
	entry.mu.Unlock()

	delete(s.entries, projectID)
	delete(s.index, path)
	err := s.saveIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if removeErr := os.Remove(StateFilePath(path)); removeErr != nil && !os.IsNotExist(removeErr) {
		s.logger.Warn("could not remove state file for %s: %v", projectID, removeErr)
	}
	s.logger.Info("deleted project %s at %s", projectID, path)
	return nil
}
