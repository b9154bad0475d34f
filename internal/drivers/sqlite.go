package drivers

import (
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/querydeck/internal/catalog"
)

type sqliteDriver struct{}

func (sqliteDriver) Name() string       { return "sqlite" }
func (sqliteDriver) DriverName() string { return "sqlite3" }

// DSN opens the profile's file read-mostly: user queries must never hold the
// target database's write lock longer than the statement itself.
func (sqliteDriver) DSN(profile catalog.ConnectionProfile) (string, error) {
	if profile.Path == "" {
		return "", fmt.Errorf("sqlite profile requires a path")
	}
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	for k, v := range profile.Options {
		params.Set(k, v)
	}
	return profile.Path + "?" + params.Encode(), nil
}
