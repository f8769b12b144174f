package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexjbarnes/authsession/internal/models"
)

// fileDocument is the on-disk layout of a FileStore. Values are raw bytes
// so sealed and plain documents share one shape.
type fileDocument struct {
	Salt         []byte `json:"salt,omitempty"`
	AccessToken  []byte `json:"accessToken,omitempty"`
	RefreshToken []byte `json:"refreshToken,omitempty"`
	User         []byte `json:"user,omitempty"`
}

// FileStore keeps session credentials in a single JSON file. Every write
// replaces the file atomically, so other processes sharing the path
// always read a complete document and can watch it for changes. Updates
// hold an advisory lock on path+".lock" so concurrent writers in separate
// processes do not lose each other's fields.
type FileStore struct {
	mu     sync.Mutex
	path   string
	salt   []byte
	sealer *Sealer
}

// OpenFile prepares a FileStore at path. The file itself is created on
// the first write.
func OpenFile(path string, opts Options) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, unavailable("creating store directory", err)
	}

	s := &FileStore{path: path}

	if opts.Passphrase == "" {
		return s, nil
	}

	unlock, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}

	s.salt = doc.Salt
	if len(s.salt) == 0 {
		if s.salt, err = NewSalt(); err != nil {
			return nil, unavailable("initializing sealer", err)
		}

		// Persist the salt now so other processes opening the same path
		// derive the same key.
		if err := s.write(doc); err != nil {
			return nil, err
		}
	}

	if s.sealer, err = NewSealer(opts.Passphrase, s.salt); err != nil {
		return nil, unavailable("initializing sealer", err)
	}

	return s, nil
}

// Path returns the file backing the store.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) read() (fileDocument, error) {
	var doc fileDocument

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}

	if err != nil {
		return doc, unavailable("reading session file", err)
	}

	// A corrupt document degrades to an empty session.
	if len(data) > 0 && json.Unmarshal(data, &doc) != nil {
		return fileDocument{}, nil
	}

	return doc, nil
}

func (s *FileStore) write(doc fileDocument) error {
	doc.Salt = s.salt

	data, err := json.Marshal(doc)
	if err != nil {
		return unavailable("encoding session file", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.tmp")
	if err != nil {
		return unavailable("creating temp file", err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(storeFilePerm); err != nil {
		tmp.Close()
		return unavailable("setting file mode", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return unavailable("writing temp file", err)
	}

	if err := tmp.Close(); err != nil {
		return unavailable("closing temp file", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return unavailable("replacing session file", err)
	}

	return nil
}

// update applies fn to the current document under the store lock.
func (s *FileStore) update(fn func(doc *fileDocument) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.path)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	if err := fn(&doc); err != nil {
		return unavailable("sealing value", err)
	}

	return s.write(doc)
}

func (s *FileStore) field(pick func(fileDocument) []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}

	return s.sealer.openOrNil(pick(doc)), nil
}

func (s *FileStore) AccessToken() (string, error) {
	v, err := s.field(func(d fileDocument) []byte { return d.AccessToken })
	return string(v), err
}

func (s *FileStore) RefreshToken() (string, error) {
	v, err := s.field(func(d fileDocument) []byte { return d.RefreshToken })
	return string(v), err
}

func (s *FileStore) User() (*models.User, error) {
	v, err := s.field(func(d fileDocument) []byte { return d.User })
	if err != nil {
		return nil, err
	}

	return decodeUser(v), nil
}

func (s *FileStore) SetTokens(pair models.TokenPair) error {
	return s.update(func(doc *fileDocument) error {
		var err error
		if doc.AccessToken, err = s.sealer.Seal(nonEmpty(pair.AccessToken)); err != nil {
			return err
		}

		doc.RefreshToken, err = s.sealer.Seal(nonEmpty(pair.RefreshToken))

		return err
	})
}

func (s *FileStore) SetUser(u *models.User) error {
	data, err := encodeUser(u)
	if err != nil {
		return unavailable("encoding user", err)
	}

	return s.update(func(doc *fileDocument) error {
		doc.User, err = s.sealer.Seal(data)
		return err
	})
}

// Clear empties the document. The file is kept (rather than removed) so
// watchers see a write they can react to.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.path)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	if doc.AccessToken == nil && doc.RefreshToken == nil && doc.User == nil {
		return nil
	}

	if err := s.write(fileDocument{}); err != nil {
		return fmt.Errorf("clearing session file: %w", err)
	}

	return nil
}

func (s *FileStore) Close() error { return nil }
