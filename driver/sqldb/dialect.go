package sqldb

import (
	"fmt"
	"strings"

	"github.com/inlogic/gateway/gateway/structs"
)

// dialect captures the per-database differences: DSN shape, row limiting,
// and identifier quoting. Placeholder style is handled by sqlx.Rebind.
type dialect struct {
	name       string
	driverName string
	quoteRune  string // "[" means bracket style
	topSyntax  bool   // SELECT TOP 1 instead of LIMIT 1
	dsn        func(o *structs.DeviceOptions) (string, error)
}

func (d dialect) quote(ident string) string {
	if d.quoteRune == "[" {
		return "[" + ident + "]"
	}
	if d.quoteRune == "`" {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (d dialect) probeQuery(table string) string {
	if d.topSyntax {
		return fmt.Sprintf("SELECT TOP 1 * FROM %s", d.quote(table))
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT 1", d.quote(table))
}

func (d dialect) latestRowQuery(table, orderCol string) string {
	if d.topSyntax {
		return fmt.Sprintf("SELECT TOP 1 * FROM %s ORDER BY %s DESC", d.quote(table), d.quote(orderCol))
	}
	return fmt.Sprintf("SELECT * FROM %s ORDER BY %s DESC LIMIT 1", d.quote(table), d.quote(orderCol))
}

func dialectFor(dbType string) (dialect, error) {
	switch strings.ToLower(dbType) {
	case "", "sqlserver":
		return dialect{
			name:       "sqlserver",
			driverName: "sqlserver",
			quoteRune:  "[",
			topSyntax:  true,
			dsn: func(o *structs.DeviceOptions) (string, error) {
				if o.Host == "" || o.Database == "" {
					return "", fmt.Errorf("sqlserver requires host and database")
				}
				port := o.Port
				if port == 0 {
					port = 1433
				}
				return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&TrustServerCertificate=true",
					o.User, o.Password, o.Host, port, o.Database), nil
			},
		}, nil

	case "mysql":
		return dialect{
			name:       "mysql",
			driverName: "mysql",
			quoteRune:  "`",
			dsn: func(o *structs.DeviceOptions) (string, error) {
				if o.Host == "" || o.Database == "" {
					return "", fmt.Errorf("mysql requires host and database")
				}
				port := o.Port
				if port == 0 {
					port = 3306
				}
				return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
					o.User, o.Password, o.Host, port, o.Database), nil
			},
		}, nil

	case "postgres", "postgresql":
		return dialect{
			name:       "postgres",
			driverName: "postgres",
			dsn: func(o *structs.DeviceOptions) (string, error) {
				if o.Host == "" || o.Database == "" {
					return "", fmt.Errorf("postgres requires host and database")
				}
				port := o.Port
				if port == 0 {
					port = 5432
				}
				return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
					o.Host, port, o.Database, o.User, o.Password), nil
			},
		}, nil

	case "sqlite":
		return dialect{
			name:       "sqlite",
			driverName: "sqlite3",
			dsn: func(o *structs.DeviceOptions) (string, error) {
				if o.Database == "" {
					return "", fmt.Errorf("sqlite requires a database file path")
				}
				return o.Database, nil
			},
		}, nil

	case "hana":
		return dialect{
			name:       "hana",
			driverName: "hdb",
			dsn: func(o *structs.DeviceOptions) (string, error) {
				if o.Host == "" {
					return "", fmt.Errorf("hana requires host")
				}
				port := o.Port
				if port == 0 {
					port = 39013
				}
				return fmt.Sprintf("hdb://%s:%s@%s:%d", o.User, o.Password, o.Host, port), nil
			},
		}, nil
	}

	return dialect{}, fmt.Errorf("unsupported db_type %q", dbType)
}
