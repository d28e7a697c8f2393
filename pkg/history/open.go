package history

import (
	"strings"

	"github.com/teslashibe/voicebot/internal/errs"
)

// Backend names.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Open creates the store for backend at path.
func Open(backend, path string, opts ...Option) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendJSON:
		return NewJSONStore(path, opts...)
	case BackendSQLite:
		return NewSQLiteStore(path, opts...)
	default:
		return nil, errs.Newf(errs.ConfigurationError, "unknown history backend %q", backend)
	}
}
