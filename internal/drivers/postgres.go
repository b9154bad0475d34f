package drivers

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/basket/querydeck/internal/catalog"
)

type postgresDriver struct{}

func (postgresDriver) Name() string       { return "postgres" }
func (postgresDriver) DriverName() string { return "postgres" }

func (postgresDriver) DSN(profile catalog.ConnectionProfile) (string, error) {
	if profile.Database == "" {
		return "", fmt.Errorf("postgres profile requires a database")
	}
	host := profile.Host
	if host == "" {
		host = "localhost"
	}
	port := profile.Port
	if port == 0 {
		port = 5432
	}
	sslMode := profile.SSLMode
	if sslMode == "" {
		sslMode = "disable" // local companion talks to localhost by default
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + profile.Database,
	}
	if profile.User != "" {
		if profile.Password != "" {
			u.User = url.UserPassword(profile.User, profile.Password)
		} else {
			u.User = url.User(profile.User)
		}
	}
	params := url.Values{}
	params.Set("sslmode", sslMode)
	for k, v := range profile.Options {
		params.Set(k, v)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}
