package stores

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mike76-dev/smbrpc/schannel"
)

// SessionKeys is a writable schannel.KeyStore.
type SessionKeys interface {
	schannel.KeyStore
	PutSessionKey(ctx context.Context, computer string, key []byte) error
	DeleteSessionKey(ctx context.Context, computer string) error
	Computers(ctx context.Context) ([]string, error)
}

type session struct {
	Computer string `json:"computer"`
	Key      string `json:"key"`
}

// JSONSchannelStore keeps schannel session keys in memory and persists
// them to schannel.json.
type JSONSchannelStore struct {
	*schannel.MemoryStore
	mu  sync.Mutex
	dir string
}

// NewJSONSchannelStore returns an initialized JSONSchannelStore.
func NewJSONSchannelStore(dir string) (*JSONSchannelStore, error) {
	ss := &JSONSchannelStore{
		MemoryStore: schannel.NewMemoryStore(),
		dir:         dir,
	}
	if err := ss.load(); err != nil {
		return nil, err
	}
	return ss, nil
}

func (ss *JSONSchannelStore) load() error {
	var sessions []session
	if js, err := os.ReadFile(filepath.Join(ss.dir, "schannel.json")); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	} else if err := json.Unmarshal(js, &sessions); err != nil {
		return err
	}
	for _, s := range sessions {
		key, err := hex.DecodeString(s.Key)
		if err != nil {
			return fmt.Errorf("session key of %s: %w", s.Computer, err)
		}
		if err := ss.Put(s.Computer, key); err != nil {
			return fmt.Errorf("session key of %s: %w", s.Computer, err)
		}
	}
	return nil
}

func (ss *JSONSchannelStore) save() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	keys := ss.Snapshot()
	sessions := make([]session, 0, len(keys))
	for _, name := range ss.List() {
		if key, ok := keys[name]; ok {
			sessions = append(sessions, session{Computer: name, Key: hex.EncodeToString(key)})
		}
	}
	js, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(ss.dir, "schannel.json"), js)
}

// PutSessionKey stores the session key of a computer and persists the store.
func (ss *JSONSchannelStore) PutSessionKey(_ context.Context, computer string, key []byte) error {
	if err := ss.Put(computer, key); err != nil {
		return err
	}
	return ss.save()
}

// DeleteSessionKey removes the session key of a computer and persists the store.
func (ss *JSONSchannelStore) DeleteSessionKey(ctx context.Context, computer string) error {
	if _, err := ss.SessionKey(ctx, computer); err != nil {
		return err
	}
	ss.Delete(computer)
	return ss.save()
}

// Computers returns the names of the computers with a stored key.
func (ss *JSONSchannelStore) Computers(context.Context) ([]string, error) {
	return ss.List(), nil
}
