// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, gsagula, werbenhu

// Package badger records resolved decisions to a BadgerDB store.
package badger

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/mochi-mqtt/extension"
	"github.com/mochi-mqtt/extension/extensions/audit"
)

const (
	// defaultDbFile is the default file path for the badger db file.
	defaultDbFile         = ".badger"
	defaultGcInterval     = 5 * 60 // gc interval in seconds
	defaultGcDiscardRatio = 0.5
)

// Options contains configuration settings for the BadgerDB instance.
type Options struct {
	Options *badgerdb.Options `yaml:"-" json:"-"`
	Path    string            `yaml:"path" json:"path"`
	// GcDiscardRatio specifies the ratio of log discard compared to the maximum possible log discard.
	// discardRatio must be in the range (0.0, 1.0), both endpoints excluded, otherwise, it will be set to the default value of 0.5.
	GcDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
	GcInterval     int64   `yaml:"gc_interval" json:"gc_interval"`
	// TTL expires records after a duration. Records are kept forever if zero.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// Extension is an audit log of decisions using a BadgerDB store as a backend.
type Extension struct {
	extension.ExtensionBase
	config   *Options     // options for configuring the BadgerDB instance.
	gcTicker *time.Ticker // Ticker for BadgerDB garbage collection.
	db       *badgerdb.DB // the BadgerDB instance.
	mu       sync.RWMutex // guards db against Stop
}

// ID returns the id of the extension.
func (h *Extension) ID() string {
	return "audit-badger"
}

// Provides indicates which methods this extension provides.
func (h *Extension) Provides(b byte) bool {
	return bytes.Contains([]byte{
		extension.OnDecision,
	}, []byte{b})
}

// gcLoop periodically runs the garbage collection process to reclaim space in the value log files.
func (h *Extension) gcLoop() {
	for range h.gcTicker.C {
		h.mu.RLock()
		if h.db != nil {
			for h.db.RunValueLogGC(h.config.GcDiscardRatio) == nil {
			}
		}
		h.mu.RUnlock()
	}
}

// Init initializes and connects to the badger instance.
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

	if h.config.GcInterval == 0 {
		h.config.GcInterval = defaultGcInterval
	}

	if h.config.GcDiscardRatio <= 0.0 || h.config.GcDiscardRatio >= 1.0 {
		h.config.GcDiscardRatio = defaultGcDiscardRatio
	}

	if h.config.Options == nil {
		defaultOpts := badgerdb.DefaultOptions(h.config.Path)
		h.config.Options = &defaultOpts
	}
	h.config.Options.Logger = h

	var err error
	h.db, err = badgerdb.Open(*h.config.Options)
	if err != nil {
		return err
	}

	h.gcTicker = time.NewTicker(time.Duration(h.config.GcInterval) * time.Second)
	go h.gcLoop()

	return nil
}

// Stop closes the badger instance.
func (h *Extension) Stop() error {
	if h.gcTicker != nil {
		h.gcTicker.Stop()
	}

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
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
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

// Errorf satisfies the badger interface for an error logger.
func (h *Extension) Errorf(m string, v ...any) {
	h.Log.Error(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// Warningf satisfies the badger interface for a warning logger.
func (h *Extension) Warningf(m string, v ...any) {
	h.Log.Warn(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// Infof satisfies the badger interface for an info logger.
func (h *Extension) Infof(m string, v ...any) {
	h.Log.Info(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// Debugf satisfies the badger interface for a debug logger.
func (h *Extension) Debugf(m string, v ...any) {
	h.Log.Debug(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// setKv stores a key-value pair in the database, expiring it after the ttl if one is set.
func (h *Extension) setKv(k string, v audit.Serializable) error {
	err := h.db.Update(func(txn *badgerdb.Txn) error {
		data, _ := v.MarshalBinary()
		e := badgerdb.NewEntry([]byte(k), data)
		if h.config.TTL > 0 {
			e = e.WithTTL(h.config.TTL)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", k)
	}
	return err
}

// delKv deletes a key-value pair from the database.
func (h *Extension) delKv(k string) error {
	err := h.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(k))
	})

	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", k)
	}
	return err
}

// getKv retrieves the value associated with a key from the database.
func (h *Extension) getKv(k string, v audit.Serializable) error {
	return h.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(k))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return v.UnmarshalBinary(value)
	})
}

// iterKv iterates over key-value pairs with keys having the specified prefix in the database.
func (h *Extension) iterKv(prefix string, visit func([]byte) error) error {
	err := h.db.View(func(txn *badgerdb.Txn) error {
		iterator := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer iterator.Close()

		for iterator.Seek([]byte(prefix)); iterator.ValidForPrefix([]byte(prefix)); iterator.Next() {
			value, err := iterator.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			if err := visit(value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.Log.Error("failed to find data", "error", err, "prefix", prefix)
	}
	return err
}
