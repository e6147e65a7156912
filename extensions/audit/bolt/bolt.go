// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, werbenhu

// Package bolt records resolved decisions to a boltdb file.
package bolt

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mochi-mqtt/extension"
	"github.com/mochi-mqtt/extension/extensions/audit"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
)

const (
	// defaultDbFile is the default file path for the boltdb file.
	defaultDbFile = ".bolt"

	// defaultTimeout is the default time to hold a connection to the file.
	defaultTimeout = 250 * time.Millisecond

	defaultBucket = "mochi-audit"
)

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options `yaml:"-" json:"-"`
	Bucket  string         `yaml:"bucket" json:"bucket"`
	Path    string         `yaml:"path" json:"path"`
}

// Extension is an audit log of decisions using a boltdb file store as a backend.
type Extension struct {
	extension.ExtensionBase
	config *Options     // options for configuring the boltdb instance.
	db     *bbolt.DB    // the boltdb instance.
	mu     sync.RWMutex // guards db against Stop
}

// ID returns the id of the extension.
func (h *Extension) ID() string {
	return "audit-bolt"
}

// Provides indicates which methods this extension provides.
func (h *Extension) Provides(b byte) bool {
	return bytes.Contains([]byte{
		extension.OnDecision,
	}, []byte{b})
}

// Init initializes and connects to the boltdb instance.
func (h *Extension) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return extension.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}
	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	if len(h.config.Bucket) == 0 {
		h.config.Bucket = defaultBucket
	}

	var err error
	h.db, err = bbolt.Open(h.config.Path, 0600, h.config.Options)
	if err != nil {
		return err
	}

	err = h.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(h.config.Bucket))
		return err
	})
	return err
}

// Stop closes the boltdb instance.
func (h *Extension) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}

	err := h.db.Close()
	h.db = nil
	return err
}

// OnDecision writes the record of a resolved decision to the store.
func (h *Extension) OnDecision(d extension.Decision) {
	rec := audit.FromDecision(d)
	audit.Dispatch(h.Opts, d.Client.ID, func() {
		h.mu.RLock()
		defer h.mu.RUnlock()
		if h.db == nil {
			h.Log.Error("", "error", audit.ErrDBFileNotOpen)
			return
		}

		_ = h.setKv(audit.Key(rec.ID), &rec)
	})
}

// Get returns the record of a decision by id.
func (h *Extension) Get(id string) (v audit.Record, err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.db == nil {
		return v, audit.ErrDBFileNotOpen
	}

	err = h.getKv(audit.Key(id), &v)
	return
}

// Records returns every stored record selected by the filter, oldest first.
func (h *Extension) Records(f audit.Filter) ([]audit.Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.db == nil {
		return nil, audit.ErrDBFileNotOpen
	}

	return h.records(f)
}

// records collects the stored records selected by the filter. The caller holds mu.
func (h *Extension) records(f audit.Filter) (v []audit.Record, err error) {
	err = h.iterKv(audit.RecordKey, func(value []byte) error {
		obj := audit.Record{}
		if err := obj.UnmarshalBinary(value); err != nil {
			return err
		}

		if f.Matches(obj) {
			v = append(v, obj)
		}
		return nil
	})

	return
}

// Prune deletes every record resolved before a time, returning the number deleted.
func (h *Extension) Prune(before time.Time) (n int, err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.db == nil {
		return 0, audit.ErrDBFileNotOpen
	}

	all, err := h.records(audit.Filter{})
	if err != nil {
		return 0, err
	}

	for _, r := range all {
		if !r.Resolved.Before(before) {
			continue
		}

		if err := h.delKv(audit.Key(r.ID)); err != nil {
			return n, err
		}
		n++
	}

	return n, nil
}

// setKv stores a key-value pair in the database.
func (h *Extension) setKv(k string, v audit.Serializable) error {
	err := h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(h.config.Bucket))
		if bucket == nil {
			return ErrBucketNotFound
		}

		data, _ := v.MarshalBinary()
		return bucket.Put([]byte(k), data)
	})
	if err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", k)
	}
	return err
}

// delKv deletes a key-value pair from the database.
func (h *Extension) delKv(k string) error {
	err := h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(h.config.Bucket))
		if bucket == nil {
			return ErrBucketNotFound
		}

		return bucket.Delete([]byte(k))
	})
	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", k)
	}
	return err
}

// getKv retrieves the value associated with a key from the database.
func (h *Extension) getKv(k string, v audit.Serializable) error {
	err := h.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(h.config.Bucket))
		if bucket == nil {
			return ErrBucketNotFound
		}

		value := bucket.Get([]byte(k))
		if value == nil {
			return audit.ErrKeyNotFound
		}

		return v.UnmarshalBinary(value)
	})
	if err != nil {
		h.Log.Error("failed to get data", "error", err, "key", k)
	}
	return err
}

// iterKv iterates over key-value pairs with keys having the specified prefix in the database.
func (h *Extension) iterKv(prefix string, visit func([]byte) error) error {
	err := h.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(h.config.Bucket))
		if bucket == nil {
			return ErrBucketNotFound
		}

		c := bucket.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := visit(v); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		h.Log.Error("failed to iter data", "error", err, "prefix", prefix)
	}
	return err
}
