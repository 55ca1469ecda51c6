package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// connFlags holds the connection flags common to both programs. Building
// the connection string and any interactive password prompt are explicit
// external collaborators: when Host/User are left empty, the empty
// keyword string is handed to the replication layer, which falls back to
// the standard PGHOST/PGPORT/PGUSER/PGPASSWORD environment variables the
// same way libpq does.
type connFlags struct {
	Host       string
	Port       int
	User       string
	NoPassword bool
	Password   string
}

func addConnFlags(cmd *cobra.Command, f *connFlags) {
	fl := cmd.Flags()
	fl.StringVar(&f.Host, "host", "", "server host (default: PGHOST or libpq default)")
	fl.IntVar(&f.Port, "port", 0, "server port (default: PGPORT or 5432)")
	fl.StringVar(&f.User, "username", "", "connect as this user (default: PGUSER)")
	fl.BoolVar(&f.NoPassword, "no-password", false, "never prompt for a password")
	fl.StringVar(&f.Password, "password", "", "password to use (default: PGPASSWORD or none)")
}

// dsn renders the connection flags as a libpq keyword/value string.
// Any flag left at its zero value is omitted, letting the replication
// layer's environment-variable fallback apply.
func (f connFlags) dsn() string {
	var parts []string
	add := func(k, v string) {
		if v == "" {
			return
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, quoteKeyword(v)))
	}
	add("host", f.Host)
	if f.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", f.Port))
	}
	add("user", f.User)
	add("password", f.Password)
	return strings.Join(parts, " ")
}

func quoteKeyword(v string) string {
	if !strings.ContainsAny(v, " '\\") {
		return v
	}
	var sb strings.Builder
	sb.WriteByte('\'')
	for _, r := range v {
		if r == '\'' || r == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	sb.WriteByte('\'')
	return sb.String()
}
