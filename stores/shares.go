package stores

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Share is a disk share advertised over srvsvc.
type Share struct {
	Name   string `yaml:"name"`
	Remark string `yaml:"remark,omitempty"`
	Hidden bool   `yaml:"hidden,omitempty"`
}

// SharesStore is the share list read from shares.yml.
type SharesStore struct {
	Shares []Share `yaml:"shares,omitempty"`
}

// NewSharesStore reads shares.yml. A missing file yields an empty store.
func NewSharesStore(dir string) (*SharesStore, error) {
	path := filepath.Join(dir, "shares.yml")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &SharesStore{}, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	ss := &SharesStore{}
	if err := dec.Decode(ss); err != nil {
		return nil, err
	}

	return ss, nil
}

// Visible returns the shares that are not hidden from enumeration.
func (ss *SharesStore) Visible() []Share {
	shares := make([]Share, 0, len(ss.Shares))
	for _, s := range ss.Shares {
		if !s.Hidden {
			shares = append(shares, s)
		}
	}
	return shares
}
