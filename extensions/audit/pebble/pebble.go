// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

// Package pebble records resolved decisions to a pebble DB store.
package pebble

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	pebbledb "github.com/cockroachdb/pebble"

	"github.com/mochi-mqtt/extension"
	"github.com/mochi-mqtt/extension/extensions/audit"
)

const (
	// defaultDbFile is the default file path for the pebble db file.
	defaultDbFile = ".pebble"
)

const (
	NoSync = "NoSync" // NoSync specifies the default write options for writes which do not synchronize to disk.
	Sync   = "Sync"   // Sync specifies the default write options for writes which synchronize to disk.
)

// keyUpperBound returns the upper bound for a given byte slice by incrementing the last byte.
// It returns nil if all bytes are incremented and equal to 0.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Options contains configuration settings for the pebble DB instance.
type Options struct {
	Options *pebbledb.Options `yaml:"-" json:"-"`
	Mode    string            `yaml:"mode" json:"mode"`
	Path    string            `yaml:"path" json:"path"`
}

// Extension is an audit log of decisions using a pebble DB store as a backend.
type Extension struct {
	extension.ExtensionBase
	config *Options               // options for configuring the pebble DB instance.
	db     *pebbledb.DB           // the pebble DB instance
	mu     sync.RWMutex           // guards db against Stop
	mode   *pebbledb.WriteOptions // mode holds the optional per-query parameters for Set and Delete operations
}

// ID returns the id of the extension.
func (h *Extension) ID() string {
	return "audit-pebble"
}

// Provides indicates which methods this extension provides.
func (h *Extension) Provides(b byte) bool {
	return bytes.Contains([]byte{
		extension.OnDecision,
	}, []byte{b})
}

// Init initializes and connects to the pebble instance.
func (h *Extension) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return extension.ErrInvalidConfigType
	}

	if config == nil {
		h.config = new(Options)
	} else {
		h.config = config.(*Options)
	}

	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	if h.config.Options == nil {
		h.config.Options = &pebbledb.Options{}
	}

	h.mode = pebbledb.NoSync
	if strings.EqualFold(h.config.Mode, Sync) {
		h.mode = pebbledb.Sync
	}

	var err error
	h.db, err = pebbledb.Open(h.config.Path, h.config.Options)
	return err
}

// Stop closes the pebble instance.
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
	if errors.Is(err, pebbledb.ErrNotFound) {
		err = audit.ErrKeyNotFound
	}
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

// delKv deletes a key-value pair from the database.
func (h *Extension) delKv(k string) error {
	err := h.db.Delete([]byte(k), h.mode)
	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", k)
		return err
	}
	return nil
}

// setKv stores a key-value pair in the database.
func (h *Extension) setKv(k string, v audit.Serializable) error {
	bs, _ := v.MarshalBinary()
	err := h.db.Set([]byte(k), bs, h.mode)
	if err != nil {
		h.Log.Error("failed to update data", "error", err, "key", k)
		return err
	}
	return nil
}

// getKv retrieves the value associated with a key from the database.
func (h *Extension) getKv(k string, v audit.Serializable) error {
	value, closer, err := h.db.Get([]byte(k))
	if err != nil {
		return err
	}

	defer closer.Close()
	return v.UnmarshalBinary(value)
}

// iterKv iterates over key-value pairs with keys having the specified prefix in the database.
func (h *Extension) iterKv(prefix string, visit func([]byte) error) error {
	iter, err := h.db.NewIter(&pebbledb.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		h.Log.Error("failed to iter data", "error", err, "prefix", prefix)
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := visit(iter.Value()); err != nil {
			return err
		}
	}

	return iter.Error()
}
