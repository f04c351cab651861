package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// PostgresConnectionString builds the keyword/value DSN handed to the
// pgx pool. Only the password is quoted; the other postgres_* keys are
// validated to be plain tokens.
func (c *Config) PostgresConnectionString() string {
	pairs := []string{
		"host=" + c.PostgresHost,
		"port=" + strconv.Itoa(c.PostgresPort),
		"user=" + c.PostgresUser,
		"password=" + quoteDSN(c.PostgresPassword),
		"dbname=" + c.PostgresDBName,
		"sslmode=" + c.PostgresSSLMode,
	}
	return strings.Join(pairs, " ")
}

// quoteDSN single-quotes a DSN value so spaces, '=' and quotes inside
// it survive keyword/value parsing.
func quoteDSN(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// PostgresURL builds the postgres:// URL the migration runner expects.
// url.UserPassword percent-encodes credentials.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:     "/" + c.PostgresDBName,
		RawQuery: "sslmode=" + c.PostgresSSLMode,
	}
	return u.String()
}

// parseDatabaseURL overlays DATABASE_URL onto the postgres_* settings.
// Managed platforms hand out the connection as one URL; when it is
// set, each component it carries wins over the corresponding key.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL scheme must be postgres or postgresql, got %q", u.Scheme)
	}

	if host := u.Hostname(); host != "" {
		c.PostgresHost = host
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_URL port %q: %w", p, err)
		}
		c.PostgresPort = port
	}
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			c.PostgresUser = name
		}
		if pass, ok := u.User.Password(); ok {
			c.PostgresPassword = pass
		}
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		c.PostgresDBName = db
	}
	if ssl := u.Query().Get("sslmode"); ssl != "" {
		c.PostgresSSLMode = ssl
	}

	return nil
}
