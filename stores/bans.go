package stores

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// BansStore holds the hosts that are refused connections.
type BansStore struct {
	mu   sync.RWMutex
	dir  string
	Bans map[string]struct{}
}

// NewJSONBansStore returns an initialized BansStore.
func NewJSONBansStore(dir string) (*BansStore, error) {
	bs := &BansStore{
		dir:  dir,
		Bans: make(map[string]struct{}),
	}
	err := bs.load(dir)
	if err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *BansStore) load(dir string) error {
	var bans []string
	if js, err := os.ReadFile(filepath.Join(dir, "bans.json")); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	} else if err := json.Unmarshal(js, &bans); err != nil {
		return err
	}
	for _, ban := range bans {
		bs.Bans[ban] = struct{}{}
	}
	return nil
}

// Ban adds a host.
func (bs *BansStore) Ban(host string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.Bans[host] = struct{}{}
}

// Unban removes a host. It reports whether the host was banned.
func (bs *BansStore) Unban(host string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	_, ok := bs.Bans[host]
	delete(bs.Bans, host)
	return ok
}

// IsBanned reports whether a host is banned.
func (bs *BansStore) IsBanned(host string) bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	_, ok := bs.Bans[host]
	return ok
}

// List returns the banned hosts in sorted order.
func (bs *BansStore) List() []string {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	hosts := make([]string, 0, len(bs.Bans))
	for host := range bs.Bans {
		hosts = append(hosts, host)
	}
	slices.Sort(hosts)
	return hosts
}

// Save writes the bans to bans.json.
func (bs *BansStore) Save() error {
	js, err := json.MarshalIndent(bs.List(), "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(bs.dir, "bans.json"), js)
}

// writeFileAtomic replaces path with data through a temporary file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
