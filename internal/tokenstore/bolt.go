package tokenstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/authsession/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the store directory (~/.authsession/).
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for store files. They hold
	// bearer credentials.
	storeFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt database lock.
	boltOpenTimeout = 5 * time.Second
)

var (
	sessionBucket   = []byte("session")
	accessTokenKey  = []byte("access_token")
	refreshTokenKey = []byte("refresh_token")
	userKey         = []byte("user")
	saltKey         = []byte("salt")
)

// BoltStore keeps session credentials in a bbolt database.
type BoltStore struct {
	db     *bolt.DB
	sealer *Sealer
}

// DefaultPath returns ~/.authsession/<name>.
func DefaultPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".authsession", name), nil
}

// OpenBolt opens the database at path, creating it and its directory if
// they do not exist.
func OpenBolt(path string, opts Options) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, unavailable("creating store directory", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, unavailable("opening session db", err)
	}

	var salt []byte

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucket)
		if err != nil {
			return err
		}

		if opts.Passphrase == "" {
			return nil
		}

		if v := b.Get(saltKey); v != nil {
			salt = append([]byte(nil), v...)
			return nil
		}

		salt, err = NewSalt()
		if err != nil {
			return err
		}

		return b.Put(saltKey, salt)
	})
	if err != nil {
		db.Close()
		return nil, unavailable("initializing session db", err)
	}

	s := &BoltStore{db: db}

	if opts.Passphrase != "" {
		s.sealer, err = NewSealer(opts.Passphrase, salt)
		if err != nil {
			db.Close()
			return nil, unavailable("initializing sealer", err)
		}
	}

	return s, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) get(key []byte) ([]byte, error) {
	var out []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return nil, unavailable("reading session db", err)
	}

	return s.sealer.openOrNil(out), nil
}

func (s *BoltStore) put(b *bolt.Bucket, key, value []byte) error {
	if value == nil {
		return b.Delete(key)
	}

	sealed, err := s.sealer.Seal(value)
	if err != nil {
		return err
	}

	return b.Put(key, sealed)
}

// AccessToken returns the stored access token, or "".
func (s *BoltStore) AccessToken() (string, error) {
	v, err := s.get(accessTokenKey)
	return string(v), err
}

// RefreshToken returns the stored refresh token, or "".
func (s *BoltStore) RefreshToken() (string, error) {
	v, err := s.get(refreshTokenKey)
	return string(v), err
}

// User returns the cached user, or nil.
func (s *BoltStore) User() (*models.User, error) {
	v, err := s.get(userKey)
	if err != nil {
		return nil, err
	}

	return decodeUser(v), nil
}

// SetTokens persists both tokens in a single transaction.
func (s *BoltStore) SetTokens(pair models.TokenPair) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		if err := s.put(b, accessTokenKey, nonEmpty(pair.AccessToken)); err != nil {
			return err
		}

		return s.put(b, refreshTokenKey, nonEmpty(pair.RefreshToken))
	})
	if err != nil {
		return unavailable("writing tokens", err)
	}

	return nil
}

// SetUser persists the user record. A nil user removes it.
func (s *BoltStore) SetUser(u *models.User) error {
	data, err := encodeUser(u)
	if err != nil {
		return unavailable("encoding user", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx.Bucket(sessionBucket), userKey, data)
	})
	if err != nil {
		return unavailable("writing user", err)
	}

	return nil
}

// Clear removes the session entries. The sealing salt survives so the
// store can be reused with the same passphrase.
func (s *BoltStore) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		for _, k := range [][]byte{accessTokenKey, refreshTokenKey, userKey} {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return unavailable("clearing session db", err)
	}

	return nil
}

func nonEmpty(s string) []byte {
	if s == "" {
		return nil
	}

	return []byte(s)
}
