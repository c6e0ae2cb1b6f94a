package storage

import (
	"fmt"
)

// Drivers accepted by Open
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Open returns the storage backend named by driver. databaseURL and
// maxConnections are used by the postgres driver only.
func Open(driver, databaseURL string, maxConnections int) (Storage, error) {
	switch driver {
	case DriverPostgres:
		db, err := OpenDB(databaseURL, maxConnections)
		if err != nil {
			return nil, err
		}
		return NewPostgresStorage(db), nil
	case DriverMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
