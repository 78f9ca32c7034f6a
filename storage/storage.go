package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/muhammadmahdiamirpour/p2psimple/crypto"
	"go.uber.org/zap"
)

const DefaultRootDirName = "keys"

// PathTransformFunc defines a function signature for transforming key names into paths.
type PathTransformFunc func(string) PathKey

// PathKey represents the storage path structure with `PathName` as the directory below the root
// and `FileName` as the key file.
type PathKey struct {
	PathName string
	FileName string
}

// FullPath returns the path relative to the store root.
func (p PathKey) FullPath() string {
	return filepath.Join(p.PathName, p.FileName)
}

// DefaultPathTransformFunc stores every key directly under the root as "<name>_privkey".
var DefaultPathTransformFunc = func(name string) PathKey {
	return PathKey{FileName: name + "_privkey"}
}

// NodeDirPathTransformFunc gives every key its own directory, "<name>/privkey".
func NodeDirPathTransformFunc(name string) PathKey {
	return PathKey{PathName: name, FileName: "privkey"}
}

// StoreOpts configures options for creating a new key store.
//
// Fields:
//   - Root: Root directory for key files.
//   - PathTransformFunc: Function to transform key names to paths.
//   - Logger: Destination for store logs.
type StoreOpts struct {
	Root              string
	PathTransformFunc PathTransformFunc
	Logger            *zap.Logger
}

// Store keeps node private keys on disk, one hex line per file.
type Store struct {
	StoreOpts
}

// NewStore initializes and returns a new Store instance with the given options.
func NewStore(opts StoreOpts) *Store {
	if opts.PathTransformFunc == nil {
		opts.PathTransformFunc = DefaultPathTransformFunc
	}
	if len(opts.Root) == 0 {
		opts.Root = DefaultRootDirName
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{StoreOpts: opts}
}

// Path returns the file path of the key called name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.Root, s.PathTransformFunc(name).FullPath())
}

// Has checks if a key with the specified name exists in the store.
func (s *Store) Has(name string) bool {
	_, err := os.Stat(s.Path(name))
	return !errors.Is(err, fs.ErrNotExist)
}

// ReadKey loads the key called name.
func (s *Store) ReadKey(name string) (*crypto.PrivateKey, error) {
	return crypto.LoadPrivateKey(s.Path(name))
}

// WriteKey saves key under name, replacing any previous key. The file is only readable
// by the owner.
//
// Parameters:
//   - name: The key name passed to the PathTransformFunc.
//   - key: The key to persist.
func (s *Store) WriteKey(name string, key *crypto.PrivateKey) error {
	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(crypto.EncodePrivateKeyHex(key)+"\n"), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	s.Logger.Info("wrote key", zap.String("name", name), zap.String("path", path))
	return nil
}

// LoadOrCreate reads the key called name, generating and saving a new one if the store
// has none.
//
// Returns: The key, whether it was created by this call, and any errors. An existing
// but malformed key file is an error, never silently replaced.
func (s *Store) LoadOrCreate(name string) (*crypto.PrivateKey, bool, error) {
	if s.Has(name) {
		key, err := s.ReadKey(name)
		return key, false, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, false, fmt.Errorf("generate key %s: %w", name, err)
	}
	if err := s.WriteKey(name, key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// Delete removes the key called name. Deleting a missing key is not an error.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s.Logger.Info("deleted key", zap.String("name", name))
	return nil
}

// Clear deletes the store root and everything below it.
func (s *Store) Clear() error {
	return os.RemoveAll(s.Root)
}
