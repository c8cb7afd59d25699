// Package index persists the local replicated document index. A document
// appears here only after its commit transaction reached the commit phase.
//
// Store is safe for concurrent use; bbolt serializes write transactions
// internally and readers see consistent snapshots.
package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/docmesh/docmesh/pkg/model"
)

var (
	docsBucket = []byte("documents")
	refsBucket = []byte("fingerprints")
	metaBucket = []byte("meta")

	keyVersion = []byte("version")
)

// Store is the bbolt-backed committed-document index.
type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{docsBucket, refsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init index buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Apply makes a committed document visible and bumps the index version.
// Applying the same document twice is a no-op.
func (s *Store) Apply(doc model.Document) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(docsBucket)
		if docs.Get([]byte(doc.ID)) != nil {
			return nil
		}

		version := readVersion(tx) + 1
		doc.Version = version

		raw, err := json.Marshal(&doc)
		if err != nil {
			return err
		}
		if err := docs.Put([]byte(doc.ID), raw); err != nil {
			return err
		}
		if doc.Fingerprint != "" {
			if err := tx.Bucket(refsBucket).Put([]byte(doc.Fingerprint), []byte(doc.ID)); err != nil {
				return err
			}
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], version)
		return tx.Bucket(metaBucket).Put(keyVersion, buf[:])
	})
}

// Version returns the monotonically increasing committed index version.
func (s *Store) Version() (uint64, error) {
	var version uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		version = readVersion(tx)
		return nil
	})
	return version, err
}

// List returns every committed document, newest version last.
func (s *Store) List() ([]model.Document, error) {
	var docs []model.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(docsBucket).ForEach(func(_, raw []byte) error {
			var doc model.Document
			if err := json.Unmarshal(raw, &doc); err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && docs[j-1].Version > docs[j].Version; j-- {
			docs[j-1], docs[j] = docs[j], docs[j-1]
		}
	}
	return docs, nil
}

// Get returns a committed document by id.
func (s *Store) Get(id string) (model.Document, bool, error) {
	var doc model.Document
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(docsBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &doc)
	})
	return doc, found, err
}

// GetByRef returns the committed document holding a content reference.
func (s *Store) GetByRef(ref string) (model.Document, bool, error) {
	var doc model.Document
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(docsBucket).ForEach(func(_, raw []byte) error {
			if found {
				return nil
			}
			var d model.Document
			if err := json.Unmarshal(raw, &d); err != nil {
				return err
			}
			if d.ContentRef == ref {
				doc = d
				found = true
			}
			return nil
		})
	})
	return doc, found, err
}

// HasFingerprint reports whether a document with this content fingerprint
// has already been committed. Used by the default admission policy for
// duplicate detection.
func (s *Store) HasFingerprint(fingerprint string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(refsBucket).Get([]byte(fingerprint)) != nil
		return nil
	})
	return found, err
}

func readVersion(tx *bbolt.Tx) uint64 {
	raw := tx.Bucket(metaBucket).Get(keyVersion)
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}
