package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/clock"
	"github.com/fyrsmithlabs/accord/internal/coorderr"
)

const (
	activeFile  = "active.json"
	logsDir     = "logs"
	docExt      = ".json"
	logExt      = ".jsonl"
	lockExt     = ".lock"
	tmpPrefix   = ".tmp-"
	dirPerm     = 0o700
	filePerm    = 0o600
	lockBackoff = 5 * time.Millisecond
)

// activePointer is the document stored in active.json.
type activePointer struct {
	OrchestrationID string          `json:"orchestration_id"`
	SetAt           clock.Timestamp `json:"set_at"`
}

// FileStore keeps one JSON document per record under a root directory:
//
//	<root>/orchestrations/<id>.json
//	<root>/debates/<id>.json
//	<root>/escalations/<id>.json
//	<root>/active.json
//	<root>/logs/<kind>/<id>.jsonl
//
// Writes go to a temp file and are renamed into place. The version check and
// rename run under an exclusive lock file scoped to the record, so two
// processes writing the same record serialize instead of racing.
type FileStore struct {
	root        string
	logger      *zap.Logger
	clock       clock.Clock
	lockTimeout time.Duration
	staleLock   time.Duration

	mu sync.Mutex
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) FileOption {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the clock used for pointer timestamps.
func WithClock(c clock.Clock) FileOption {
	return func(s *FileStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLockTimeout bounds how long a writer waits for a record lock.
func WithLockTimeout(d time.Duration) FileOption {
	return func(s *FileStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithStaleLock sets the age after which an abandoned lock file is broken.
func WithStaleLock(d time.Duration) FileOption {
	return func(s *FileStore) {
		if d > 0 {
			s.staleLock = d
		}
	}
}

// NewFileStore creates the root directory if needed and returns a store.
func NewFileStore(root string, opts ...FileOption) (*FileStore, error) {
	if root == "" {
		return nil, coorderr.New(coorderr.KindInvalidArgument, "", "", "state root is required")
	}
	s := &FileStore{
		root:        root,
		logger:      zap.NewNop(),
		clock:       clock.System{},
		lockTimeout: 2 * time.Second,
		staleLock:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("store")

	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, coorderr.Persistence(err, "", root, "create state root")
	}
	return s, nil
}

// Root returns the state root directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) docPath(kind Kind, id string) string {
	return filepath.Join(s.root, string(kind), id+docExt)
}

func (s *FileStore) logPath(kind Kind, id string) string {
	return filepath.Join(s.root, logsDir, string(kind), id+logExt)
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, kind Kind, id string, dst Record) error {
	if err := ValidateID(id); err != nil {
		return coorderr.NotFound(entity(kind), id)
	}
	data, err := os.ReadFile(s.docPath(kind, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return coorderr.NotFound(entity(kind), id)
		}
		return coorderr.Persistence(err, entity(kind), id, "read")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.Warn("unparsable record treated as missing",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Error(err),
		)
		return coorderr.NotFound(entity(kind), id)
	}
	return nil
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, kind Kind, id string, rec Record) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	path := s.docPath(kind, id)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return coorderr.Persistence(err, entity(kind), id, "create directory")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx, path+lockExt)
	if err != nil {
		return coorderr.Persistence(err, entity(kind), id, "lock")
	}
	defer unlock()

	var stored int64
	if data, err := os.ReadFile(path); err == nil {
		// A corrupt document reads as missing, so it may be overwritten by a
		// fresh record.
		if v, perr := peekVersion(data); perr == nil {
			stored = v
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return coorderr.Persistence(err, entity(kind), id, "read")
	}

	have := rec.RecordVersion()
	if stored != have {
		return conflict(kind, id, stored, have)
	}

	rec.SetRecordVersion(have + 1)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		rec.SetRecordVersion(have)
		return coorderr.Persistence(err, entity(kind), id, "encode")
	}
	if err := writeAtomic(path, data); err != nil {
		rec.SetRecordVersion(have)
		return coorderr.Persistence(err, entity(kind), id, "write")
	}
	return nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, kind Kind) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(kind)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, coorderr.Persistence(err, entity(kind), "", "list")
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, docExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, docExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// ActiveID implements Store. Read failures degrade to "no active
// orchestration".
func (s *FileStore) ActiveID(ctx context.Context) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, activeFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("active pointer unreadable", zap.Error(err))
		}
		return "", nil
	}
	var p activePointer
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("active pointer unparsable", zap.Error(err))
		return "", nil
	}
	return p.OrchestrationID, nil
}

// SetActive implements Store.
func (s *FileStore) SetActive(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	data, err := json.MarshalIndent(activePointer{OrchestrationID: id, SetAt: s.clock.Now()}, "", "  ")
	if err != nil {
		return coorderr.Persistence(err, "active pointer", id, "encode")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(filepath.Join(s.root, activeFile), data); err != nil {
		return coorderr.Persistence(err, "active pointer", id, "write")
	}
	return nil
}

// ClearActive implements Store.
func (s *FileStore) ClearActive(ctx context.Context, id string) error {
	if id != "" {
		current, _ := s.ActiveID(ctx)
		if current != id {
			return nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.root, activeFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return coorderr.Persistence(err, "active pointer", id, "clear")
	}
	return nil
}

// AppendLog implements Store.
func (s *FileStore) AppendLog(ctx context.Context, kind Kind, id string, entry any) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return coorderr.Persistence(err, entity(kind), id, "encode log entry")
	}
	path := s.logPath(kind, id)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return coorderr.Persistence(err, entity(kind), id, "create log directory")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return coorderr.Persistence(err, entity(kind), id, "open log")
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return coorderr.Persistence(err, entity(kind), id, "append log")
	}
	return nil
}

// ReadLog implements Store. Unparsable lines are skipped.
func (s *FileStore) ReadLog(ctx context.Context, kind Kind, id string) ([]json.RawMessage, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(s.logPath(kind, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []json.RawMessage{}, nil
		}
		return nil, coorderr.Persistence(err, entity(kind), id, "open log")
	}
	defer f.Close()

	entries := []json.RawMessage{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		entries = append(entries, append(json.RawMessage(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, coorderr.Persistence(err, entity(kind), id, "read log")
	}
	return entries, nil
}

// lock acquires an exclusive lock file, breaking it when it is older than
// the stale threshold.
func (s *FileStore) lock(ctx context.Context, path string) (func(), error) {
	deadline := time.Now().Add(s.lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		if info, serr := os.Stat(path); serr == nil && time.Since(info.ModTime()) > s.staleLock {
			s.logger.Warn("breaking stale record lock", zap.String("lock", path))
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for %s", filepath.Base(path))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockBackoff):
		}
	}
}

// writeAtomic writes data to a temp file in the target directory, syncs it
// and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tmpPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

var _ Store = (*FileStore)(nil)
