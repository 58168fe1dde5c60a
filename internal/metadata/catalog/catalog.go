// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package catalog is a metadata format that keeps array definitions in a
// bolt database instead of on the member devices. An array is defined once
// with Define; afterwards every device offered to engine.Taste that belongs
// to an array is attached to the array's node, and the array's volumes start
// when all members are present.
package catalog

import (
	"os"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/internal/engine"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

// Name is the format name the class registers under.
const Name = "catalog"

// Priority is the registry priority of the class.
const Priority = 100

const mode os.FileMode = 0600

// DefaultCacheSize is the number of decoded records kept in memory.
const DefaultCacheSize = 64

var (
	arrayBucket = []byte("arrays") // array id -> record
	diskBucket  = []byte("disks")  // device name -> array id
)

// Catalog is an open catalog database. It is registered as a metadata class
// until closed.
type Catalog struct {
	db *bolt.DB

	lock  sync.Mutex
	cache *lru.Cache // array id -> *Record
}

// Open opens or creates the catalog at 'path' and registers it.
func Open(path string, cacheSize int) (*Catalog, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	db, err := bolt.Open(path, mode, nil)
	if err != nil {
		log.Errorf("failed to open catalog %s: %s", path, err)
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(arrayBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(diskBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &Catalog{db: db, cache: lru.New(cacheSize)}
	if err := engine.RegisterMetadata(c, Priority); err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("catalog %s opened", path)
	return c, nil
}

// Close unregisters the catalog and closes the database. Nodes assembled from
// it should be destroyed first; their updates fail afterwards.
func (c *Catalog) Close() error {
	engine.UnregisterMetadata(Name)
	return c.db.Close()
}

// Name returns the format name.
func (c *Catalog) Name() string {
	return Name
}

// Define stores a new array for node 'node' made of the devices 'members'.
func (c *Catalog) Define(node string, members []string, volumes []VolumeSpec) (*Record, error) {
	r := &Record{ID: uuid.New().String(), Node: node, Volumes: volumes}
	for _, m := range members {
		r.Members = append(r.Members, Member{Device: m})
	}
	if err := r.validate(); err != nil {
		log.Errorf("define: %s", err)
		return nil, core.ErrInvalidArgument.Error()
	}

	err := c.db.Update(func(tx *bolt.Tx) error {
		disks := tx.Bucket(diskBucket)
		for _, m := range r.Members {
			if disks.Get([]byte(m.Device)) != nil {
				log.Errorf("define: %s is already a member of an array", m.Device)
				return core.ErrAlreadyExists.Error()
			}
		}
		if err := tx.Bucket(arrayBucket).ForEach(func(k, v []byte) error {
			o, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if o.Node == node {
				return core.ErrAlreadyExists.Error()
			}
			return nil
		}); err != nil {
			return err
		}
		for _, m := range r.Members {
			if err := disks.Put([]byte(m.Device), []byte(r.ID)); err != nil {
				return err
			}
		}
		return c.putTx(tx, r)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("defined %s", r)
	return r.clone(), nil
}

// Remove deletes the array 'id'. Its node must not be running.
func (c *Catalog) Remove(id string) error {
	r, err := c.Record(id)
	if err != nil {
		return err
	}
	if n := engine.LookupNode(r.Node); n != nil {
		if _, ok := n.Metadata().(*nodeMeta); ok {
			return core.ErrBusy.Error()
		}
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		disks := tx.Bucket(diskBucket)
		for _, m := range r.Members {
			if err := disks.Delete([]byte(m.Device)); err != nil {
				return err
			}
		}
		return tx.Bucket(arrayBucket).Delete([]byte(id))
	})
	c.lock.Lock()
	c.cache.Remove(id)
	c.lock.Unlock()
	if err == nil {
		log.Infof("removed %s", r)
	}
	return err
}

// Record returns a copy of array 'id'.
func (c *Catalog) Record(id string) (*Record, error) {
	c.lock.Lock()
	if v, ok := c.cache.Get(id); ok {
		c.lock.Unlock()
		return v.(*Record).clone(), nil
	}
	c.lock.Unlock()

	var r *Record
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(arrayBucket).Get([]byte(id))
		if b == nil {
			return core.ErrNoSuchEntity.Error()
		}
		var err error
		r, err = decodeRecord(b)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.lock.Lock()
	c.cache.Add(id, r)
	c.lock.Unlock()
	return r.clone(), nil
}

// Records returns copies of all arrays.
func (c *Catalog) Records() ([]*Record, error) {
	var out []*Record
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(arrayBucket).ForEach(func(k, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// lookupNode returns the array whose node is called 'name', or nil.
func (c *Catalog) lookupNode(name string) (*Record, error) {
	recs, err := c.Records()
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.Node == name {
			return r, nil
		}
	}
	return nil, nil
}

// lookupDevice returns the array device 'name' is a member of, or nil.
func (c *Catalog) lookupDevice(name string) (*Record, error) {
	var id []byte
	c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(diskBucket).Get([]byte(name)); v != nil {
			id = append([]byte(nil), v...)
		}
		return nil
	})
	if id == nil {
		return nil, nil
	}
	return c.Record(string(id))
}

// update stores 'r' with a new generation.
func (c *Catalog) update(r *Record) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return c.putTx(tx, r)
	})
}

func (c *Catalog) putTx(tx *bolt.Tx, r *Record) error {
	r.Generation++
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}
	if err := tx.Bucket(arrayBucket).Put([]byte(r.ID), b); err != nil {
		return err
	}
	c.lock.Lock()
	c.cache.Add(r.ID, r.clone())
	c.lock.Unlock()
	return nil
}

// Create creates the node for the array called 'name', defining an empty
// array if there's none.
func (c *Catalog) Create(name string, opts *engine.Options) (*engine.Node, error) {
	r, err := c.lookupNode(name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		if r, err = c.Define(name, nil, nil); err != nil {
			return nil, err
		}
	}
	return engine.NewNode(name, newNodeMeta(c, r.ID), opts)
}

// Taste attaches 'dev' to its array's node if it is a member of one,
// creating the node if needed.
func (c *Catalog) Taste(dev blockio.Device, opts *engine.Options) (*engine.Node, engine.TasteResult, error) {
	r, err := c.lookupDevice(dev.Name())
	if err != nil || r == nil {
		return nil, engine.TasteFail, err
	}
	slot := r.slot(dev.Name())

	res := engine.TasteExistingNode
	n := engine.LookupNode(r.Node)
	if n == nil {
		n, err = engine.NewNode(r.Node, newNodeMeta(c, r.ID), opts)
		if core.ErrResource.Is(err) {
			// Lost a race with another taste.
			n, err = engine.LookupNode(r.Node), nil
		} else {
			res = engine.TasteNewNode
		}
		if err != nil || n == nil {
			return nil, engine.TasteFail, core.ErrResource.Error()
		}
	}
	nm, ok := n.Metadata().(*nodeMeta)
	if !ok || nm.cat != c || nm.id != r.ID {
		log.Errorf("%s: node %s exists and isn't ours", dev.Name(), r.Node)
		return nil, engine.TasteFail, core.ErrAlreadyExists.Error()
	}

	err = n.Do(func() error { return nm.assemble(n, slot, dev) })
	if err != nil {
		if res == engine.TasteNewNode {
			n.Destroy(engine.DestroyHard)
		}
		return nil, engine.TasteFail, err
	}
	return n, res, nil
}
