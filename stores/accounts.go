package stores

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// firstRID is the relative identifier of the first account without an explicit one.
const firstRID = 1000

type account struct {
	Username string `json:"username"`
	Password string `json:"password"`
	RID      uint32 `json:"rid,omitempty"`
}

type persistData struct {
	Accounts []account `json:"accounts"`
}

// AccountStore represents a username-password database. Lookups are
// case-insensitive on the username.
type AccountStore struct {
	Accounts map[string]string
	rids     map[string]uint32
}

// NewJSONAccountStore returns an initialized AccountStore.
func NewJSONAccountStore(dir string) (*AccountStore, error) {
	as := &AccountStore{
		Accounts: make(map[string]string),
		rids:     make(map[string]uint32),
	}
	err := as.load(dir)
	if err != nil {
		return nil, err
	}
	return as, nil
}

func (as *AccountStore) load(dir string) error {
	var p persistData
	if js, err := os.ReadFile(filepath.Join(dir, "accounts.json")); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	} else if err := json.Unmarshal(js, &p); err != nil {
		return err
	}
	for i, a := range p.Accounts {
		name := strings.ToLower(a.Username)
		as.Accounts[name] = a.Password
		if a.RID != 0 {
			as.rids[name] = a.RID
		} else {
			as.rids[name] = firstRID + uint32(i)
		}
	}
	return nil
}

// Lookup returns the password of a user.
func (as *AccountStore) Lookup(user string) (string, bool) {
	password, ok := as.Accounts[strings.ToLower(user)]
	return password, ok
}

// RID returns the relative identifier of a user.
func (as *AccountStore) RID(user string) (uint32, bool) {
	rid, ok := as.rids[strings.ToLower(user)]
	return rid, ok
}

// Len returns the number of accounts.
func (as *AccountStore) Len() int {
	return len(as.Accounts)
}
