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

// Package firmware serves the gateway's library of known device binaries.
//
// Binaries live under a single directory as <app>_<env>.bin, or as
// <app>_<env>.bin.sz when stored snappy-compressed. Lookups are cached;
// the store never writes.
package firmware

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru"
)

// ErrUnknownApp is returned when no binary exists for the requested app.
// Callers report it as a failed update; it is not fatal to anything.
var ErrUnknownApp = errors.New("firmware: unknown application")

const (
	binSuffix    = ".bin"
	snappySuffix = ".bin.sz"

	defaultCacheSize = 16
)

// Store resolves application names to firmware images.
type Store struct {
	dir   string
	env   string
	cache *lru.Cache
}

// NewStore creates a store over dir for the given environment tag. Images
// are looked up as <app>_<env>.bin under dir.
func NewStore(dir, env string, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, env: env, cache: cache}, nil
}

// Binary returns the firmware image for app. The returned slice is shared
// with the cache and must be treated as read-only.
func (s *Store) Binary(app string) ([]byte, error) {
	if !validAppName(app) {
		return nil, fmt.Errorf("firmware: invalid app name %q", app)
	}
	if cached, ok := s.cache.Get(app); ok {
		return cached.([]byte), nil
	}
	image, err := s.load(app)
	if err != nil {
		return nil, err
	}
	s.cache.Add(app, image)
	return image, nil
}

func (s *Store) load(app string) ([]byte, error) {
	base := filepath.Join(s.dir, app+"_"+s.env)

	if image, err := os.ReadFile(base + binSuffix); err == nil {
		return image, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.Open(base + snappySuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, app)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	image, err := io.ReadAll(snappy.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("firmware: bad archive for %s: %v", app, err)
	}
	return image, nil
}

// Apps lists the application names available for this store's environment,
// sorted.
func (s *Store) Apps() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	suffix := "_" + s.env
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, snappySuffix):
			name = strings.TrimSuffix(name, snappySuffix)
		case strings.HasSuffix(name, binSuffix):
			name = strings.TrimSuffix(name, binSuffix)
		default:
			continue
		}
		if app, ok := strings.CutSuffix(name, suffix); ok && app != "" {
			seen[app] = true
		}
	}
	apps := make([]string, 0, len(seen))
	for app := range seen {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps, nil
}

// validAppName rejects anything that could escape the firmware directory.
func validAppName(app string) bool {
	if app == "" || app == "." || app == ".." {
		return false
	}
	return !strings.ContainsAny(app, "/\\")
}
