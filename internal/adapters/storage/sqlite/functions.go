package sqlite

import (
	"database/sql/driver"
	"fmt"
	"sync"

	"modernc.org/sqlite"

	"github.com/hylla/trellis/internal/filter"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// registerFunctions installs the scalar functions queries rely on. The
// driver keeps registrations process-wide, so they happen once.
func registerFunctions() error {
	registerOnce.Do(func() {
		registerErr = sqlite.RegisterDeterministicScalarFunction("similarity", 2, similarity)
	})
	if registerErr != nil {
		return fmt.Errorf("register similarity function: %w", registerErr)
	}
	return nil
}

// similarity is the SQL face of filter.Similarity; NULL arguments yield 0.
func similarity(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, okA := textArg(args[0])
	b, okB := textArg(args[1])
	if !okA || !okB {
		return float64(0), nil
	}
	return filter.Similarity(a, b), nil
}

func textArg(v driver.Value) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
