// Copyright 2023 The sparkgate Authors
// This file is part of the sparkgate library.
//
// The sparkgate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The sparkgate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the sparkgate library. If not, see <http://www.gnu.org/licenses/>.

// Package devdb stores what the gateway knows about provisioned devices:
// the RSA public key recorded at provisioning time and a small bag of
// attributes (name, claim code, system version, product id).
package devdb

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/sparkgate/sparkgate/common"
	"github.com/sparkgate/sparkgate/crypto"
)

// ErrNotFound is returned for devices that were never provisioned.
var ErrNotFound = errors.New("devdb: device not found")

// Attribute keys understood by SetAttribute. Anything else lands in the
// Extra bag; AttrOwner is one such key, named here because the gateway and
// the provisioning CLI both use it.
const (
	AttrName          = "name"
	AttrClaimCode     = "claimCode"
	AttrSystemVersion = "spark_system_version"
	AttrProductID     = "productID"
	AttrOwner         = "owner"
)

// Attributes is the per-device record.
type Attributes struct {
	DeviceID      common.DeviceID   `json:"deviceID"`
	Name          string            `json:"name,omitempty"`
	ClaimCode     string            `json:"claimCode,omitempty"`
	SystemVersion string            `json:"spark_system_version,omitempty"`
	ProductID     uint16            `json:"productID,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Get returns the value stored under key, mirroring SetAttribute's mapping.
func (a *Attributes) Get(key string) string {
	switch key {
	case AttrName:
		return a.Name
	case AttrClaimCode:
		return a.ClaimCode
	case AttrSystemVersion:
		return a.SystemVersion
	case AttrProductID:
		if a.ProductID == 0 {
			return ""
		}
		return strconv.Itoa(int(a.ProductID))
	}
	return a.Extra[key]
}

func (a *Attributes) set(key, value string) error {
	switch key {
	case AttrName:
		a.Name = value
	case AttrClaimCode:
		a.ClaimCode = value
	case AttrSystemVersion:
		a.SystemVersion = value
	case AttrProductID:
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("devdb: bad product id %q: %v", value, err)
		}
		a.ProductID = uint16(n)
	default:
		if a.Extra == nil {
			a.Extra = make(map[string]string)
		}
		a.Extra[key] = value
	}
	return nil
}

// Store is what the gateway needs from device storage. LevelStore
// implements it; anything else (a SQL shim, a remote registry) can too.
type Store interface {
	// Attributes returns the device's record, or ErrNotFound.
	Attributes(id common.DeviceID) (*Attributes, error)
	// SetAttribute updates one attribute, creating the record if needed,
	// and returns the updated record.
	SetAttribute(id common.DeviceID, key, value string) (*Attributes, error)
	// DevicePublicKey returns the provisioned RSA public key.
	DevicePublicKey(id common.DeviceID) (*rsa.PublicKey, error)
	// SetDevicePublicKey provisions or replaces a device key.
	SetDevicePublicKey(id common.DeviceID, pub *rsa.PublicKey) error
	// List walks all provisioned devices in id order.
	List() ([]*Attributes, error)
	Close() error
}

// Key schema. Attribute records and public keys live side by side under
// distinct prefixes, both keyed by the hex device id.
var (
	attrPrefix = []byte("attr:")
	pubPrefix  = []byte("pubk:")
)

func attrKey(id common.DeviceID) []byte {
	return append(append([]byte(nil), attrPrefix...), id.Hex()...)
}

func pubKey(id common.DeviceID) []byte {
	return append(append([]byte(nil), pubPrefix...), id.Hex()...)
}

// LevelStore keeps device records in a goleveldb database.
type LevelStore struct {
	db *leveldb.DB
}

// Open opens or creates the database at path.
func Open(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 64,
		BlockCacheCapacity:     8 * opt.MiB,
		WriteBuffer:            4 * opt.MiB,
	})
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db}, nil
}

// OpenMemory creates a store backed by in-memory storage. It behaves
// exactly like a file-backed one and is meant for tests and the simulator.
func OpenMemory() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Attributes(id common.DeviceID) (*Attributes, error) {
	blob, err := s.db.Get(attrKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	attrs := new(Attributes)
	if err := json.Unmarshal(blob, attrs); err != nil {
		return nil, fmt.Errorf("devdb: corrupt record for %s: %v", id, err)
	}
	return attrs, nil
}

func (s *LevelStore) SetAttribute(id common.DeviceID, key, value string) (*Attributes, error) {
	attrs, err := s.Attributes(id)
	if errors.Is(err, ErrNotFound) {
		attrs = &Attributes{DeviceID: id}
	} else if err != nil {
		return nil, err
	}
	if err := attrs.set(key, value); err != nil {
		return nil, err
	}
	blob, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	if err := s.db.Put(attrKey(id), blob, nil); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (s *LevelStore) DevicePublicKey(id common.DeviceID) (*rsa.PublicKey, error) {
	der, err := s.db.Get(pubKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return crypto.ParsePublicKey(der)
}

func (s *LevelStore) SetDevicePublicKey(id common.DeviceID, pub *rsa.PublicKey) error {
	der, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return err
	}
	return s.db.Put(pubKey(id), der, nil)
}

func (s *LevelStore) List() ([]*Attributes, error) {
	var all []*Attributes
	it := s.db.NewIterator(util.BytesPrefix(attrPrefix), nil)
	defer it.Release()
	for it.Next() {
		attrs := new(Attributes)
		if err := json.Unmarshal(it.Value(), attrs); err != nil {
			return nil, fmt.Errorf("devdb: corrupt record at %q: %v", it.Key(), err)
		}
		all = append(all, attrs)
	}
	return all, it.Error()
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}
