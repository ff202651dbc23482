package stores

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mike76-dev/smbrpc/pipe"
	"github.com/mike76-dev/smbrpc/rpc"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig lists all the fields needed to connect to a PostgreSQL database.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"`
}

// String returns a connection string.
func (dc DatabaseConfig) String() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", dc.Host, dc.Port, dc.User, dc.Password, dc.Database, dc.SSLMode)
}

// Enabled reports whether a database is configured.
func (dc DatabaseConfig) Enabled() bool {
	return dc.Host != ""
}

// LogConfig selects the logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// EndpointConfig binds a listening address to a pipe name.
type EndpointConfig struct {
	Pipe    string `yaml:"pipe"`
	Address string `yaml:"address"`
}

// InterfaceConfig sets per-pipe interface options.
type InterfaceConfig struct {
	Pipe        string `yaml:"pipe"`
	RequireAuth bool   `yaml:"requireAuth"`
}

// KerberosConfig enables SPNEGO-Kerberos authentication.
type KerberosConfig struct {
	Keytab           string        `yaml:"keytab"`
	ServicePrincipal string        `yaml:"servicePrincipal"`
	MaxClockSkew     time.Duration `yaml:"maxClockSkew"`
}

// Enabled reports whether a keytab is configured.
func (kc KerberosConfig) Enabled() bool {
	return kc.Keytab != ""
}

// Config lists the config fields.
type Config struct {
	ServerName     string            `yaml:"serverName"`
	Domain         string            `yaml:"domain"`
	DomainSID      string            `yaml:"domainSID"`
	MaxConnections int               `yaml:"maxConnections"`
	APIPort        int               `yaml:"apiPort"`
	APIPassword    string            `yaml:"apiPassword"`
	MaxFragLength  int               `yaml:"maxFragLength"`
	MaxRequestSize int               `yaml:"maxRequestSize"`
	DumpDir        string            `yaml:"dumpDir"`
	Log            LogConfig         `yaml:"log"`
	Endpoints      []EndpointConfig  `yaml:"endpoints"`
	Interfaces     []InterfaceConfig `yaml:"interfaces"`
	Database       DatabaseConfig    `yaml:"database"`
	Kerberos       KerberosConfig    `yaml:"kerberos"`
}

var (
	errNoEndpoints  = errors.New("no endpoints configured")
	errNoServerName = errors.New("serverName is required")
)

// RequireAuth reports whether the interfaces on a pipe reject anonymous calls.
func (cfg *Config) RequireAuth(pipeName string) bool {
	name := pipe.NormalizePipeName(pipeName)
	for _, ic := range cfg.Interfaces {
		if pipe.NormalizePipeName(ic.Pipe) == name {
			return ic.RequireAuth
		}
	}
	return false
}

func (cfg *Config) setDefaults() {
	if cfg.Domain == "" {
		cfg.Domain = "WORKGROUP"
	}
	if cfg.DomainSID == "" {
		cfg.DomainSID = "S-1-5-21-1004336348-1177238915-682003330"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 100
	}
	if cfg.MaxFragLength == 0 {
		cfg.MaxFragLength = rpc.DefaultMaxFragLength
	}
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = pipe.DefaultMaxRequestSize
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Kerberos.MaxClockSkew == 0 {
		cfg.Kerberos.MaxClockSkew = 5 * time.Minute
	}
}

func (cfg *Config) validate() error {
	if cfg.ServerName == "" {
		return errNoServerName
	}
	if len(cfg.Endpoints) == 0 {
		return errNoEndpoints
	}
	for _, ep := range cfg.Endpoints {
		if ep.Pipe == "" || ep.Address == "" {
			return fmt.Errorf("endpoint %q: pipe and address are required", ep.Pipe)
		}
	}
	if cfg.MaxFragLength < rpc.MinFragLength || cfg.MaxFragLength > 0xffff {
		return fmt.Errorf("maxFragLength %d out of range", cfg.MaxFragLength)
	}
	if cfg.Kerberos.Enabled() && cfg.Kerberos.ServicePrincipal == "" {
		return errors.New("kerberos: servicePrincipal is required with a keytab")
	}
	return nil
}

// ReadConfig tries to read the config from the specified directory.
func ReadConfig(dir string) (cfg Config, err error) {
	path := filepath.Join(dir, "smbrpc.yml")
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err = dec.Decode(&cfg); err != nil {
		return
	}
	cfg.setDefaults()
	err = cfg.validate()
	return
}
