package registry

import "fmt"

// Config selects and configures a registry backend.
type Config struct {
	Type string `yaml:"type" json:"type"` // "sqlite", "postgres" or "memory"
	Path string `yaml:"path" json:"path"` // sqlite: database file
	DSN  string `yaml:"dsn" json:"dsn"`   // postgres: connection string
}

// New constructs the registry selected by cfg.Type.
func New(cfg Config) (Registry, error) {
	switch cfg.Type {
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("registry type %q requires a path", "sqlite")
		}
		return OpenSQLite(cfg.Path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("registry type %q requires a dsn", "postgres")
		}
		return OpenPostgres(cfg.DSN)
	case "memory":
		return NewInMemoryRegistry(), nil
	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Type)
	}
}
