package server

import "strings"

// Flavor tags the backend database family resolved from the URL. It drives
// the vendor-specific corners of statement dispatch.
type Flavor string

const (
	FlavorPostgres  Flavor = "POSTGRES"
	FlavorOracle    Flavor = "ORACLE"
	FlavorMySQL     Flavor = "MYSQL"
	FlavorMariaDB   Flavor = "MARIADB"
	FlavorSQLServer Flavor = "SQLSERVER"
	FlavorDB2       Flavor = "DB2"
	FlavorH2        Flavor = "H2"
	FlavorCockroach Flavor = "COCKROACH"
	FlavorUnknown   Flavor = "UNKNOWN"
)

var flavorMarkers = []struct {
	marker string
	flavor Flavor
}{
	{"cockroach", FlavorCockroach},
	{"postgres", FlavorPostgres},
	{"oracle", FlavorOracle},
	{"mariadb", FlavorMariaDB},
	{"mysql", FlavorMySQL},
	{"sqlserver", FlavorSQLServer},
	{"db2", FlavorDB2},
	{"h2", FlavorH2},
}

// ResolveFlavor inspects the backend URL. Cockroach is matched before
// postgres because its URLs embed the postgres scheme.
func ResolveFlavor(url string) Flavor {
	lower := strings.ToLower(url)
	for _, m := range flavorMarkers {
		if strings.Contains(lower, m.marker) {
			return m.flavor
		}
	}
	return FlavorUnknown
}
