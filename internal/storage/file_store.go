package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ragengine/internal/models"
	"ragengine/internal/ragerr"
	"ragengine/internal/util"
)

// FileStore keeps one JSON record and one raw blob per document under a data
// directory:
//
//	<root>/documents/<id>.json
//	<root>/raw/<id>.bin
//
// Writes are atomic renames; a single mutex orders status transitions within
// the process.
type FileStore struct {
	root string
	mu   sync.Mutex
}

var _ DocumentStore = (*FileStore)(nil)

func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{filepath.Join(root, "documents"), filepath.Join(root, "raw")} {
		if err := util.EnsureDir(dir); err != nil {
			return nil, err
		}
	}
	return &FileStore{root: root}, nil
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: bad document id %q", ragerr.ErrInvalidInput, id)
	}
	return nil
}

func (s *FileStore) metaPath(id string) string {
	return filepath.Join(s.root, "documents", id+".json")
}

func (s *FileStore) rawPath(id string) string {
	return filepath.Join(s.root, "raw", id+".bin")
}

func (s *FileStore) read(id string) (models.Document, error) {
	if err := validID(id); err != nil {
		return models.Document{}, err
	}
	var d models.Document
	if err := util.ReadJSON(s.metaPath(id), &d); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Document{}, fmt.Errorf("%w: %s", ragerr.ErrDocumentNotFound, id)
		}
		return models.Document{}, fmt.Errorf("read document %s: %w", id, err)
	}
	return d, nil
}

func (s *FileStore) Put(ctx context.Context, doc models.Document, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validID(doc.DocumentID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, err := s.read(doc.DocumentID); err == nil {
		doc.CreatedAt = existing.CreatedAt
	} else if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if raw != nil {
		if err := util.WriteBytesAtomic(s.rawPath(doc.DocumentID), raw); err != nil {
			return fmt.Errorf("write document content: %w", err)
		}
	}
	if err := util.WriteJSONAtomic(s.metaPath(doc.DocumentID), doc); err != nil {
		return fmt.Errorf("write document record: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, documentID string) (models.Document, error) {
	if err := ctx.Err(); err != nil {
		return models.Document{}, err
	}
	return s.read(documentID)
}

func (s *FileStore) Raw(ctx context.Context, documentID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validID(documentID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.rawPath(documentID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ragerr.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("read document content: %w", err)
	}
	return b, nil
}

func (s *FileStore) List(ctx context.Context, collection string, status models.DocumentStatus) ([]models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, "documents"))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	out := make([]models.Document, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		d, err := s.read(strings.TrimSuffix(name, ".json"))
		if errors.Is(err, ragerr.ErrDocumentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if collection != "" && d.Collection != collection {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *FileStore) Transition(ctx context.Context, documentID string, to models.DocumentStatus, mutate func(*models.Document)) (models.Document, error) {
	if err := ctx.Err(); err != nil {
		return models.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.read(documentID)
	if err != nil {
		return models.Document{}, err
	}
	if err := applyTransition(&d, to, mutate, time.Now().UTC()); err != nil {
		return models.Document{}, err
	}
	if err := util.WriteJSONAtomic(s.metaPath(documentID), d); err != nil {
		return models.Document{}, fmt.Errorf("write document record: %w", err)
	}
	return d, nil
}

func (s *FileStore) Delete(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validID(documentID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.metaPath(documentID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ragerr.ErrDocumentNotFound, documentID)
		}
		return fmt.Errorf("delete document record: %w", err)
	}
	if err := os.Remove(s.rawPath(documentID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete document content: %w", err)
	}
	return nil
}
