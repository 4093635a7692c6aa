// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package pgtemp

import (
	"os"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"
)

// postgresqlConfTemplate renders config overrides into postgresql.conf
// lines. Kept as a template, in the teacher's style, rather than manual
// string concatenation, so additions read as data rather than code.
var postgresqlConfTemplate = template.Must(template.New("postgresql.conf").Parse(
	`# Auto-generated by pgtemp
{{range $k, $v := .}}{{$k}} = '{{$v}}'
{{end}}`))

// Builder collects the parameters needed to boot a Cluster. It is a plain
// value collector: all exported fields may be set directly, and
// ConfigParam is a convenience for composing server overrides.
//
// The zero value is a usable Builder: Start fills in every default
// (a generated password, an allocated port, "postgres" as user and
// database).
type Builder struct {
	// User is the superuser name initdb creates. Defaults to "postgres".
	User string
	// Password is the superuser password. If empty, Start generates one
	// with sethvargo/go-password.
	Password string
	// Port is the TCP port to bind. If zero, Start allocates one.
	Port uint16
	// Host is the loopback address to bind. Defaults to "127.0.0.1".
	Host string
	// DBName is the default database name. Defaults to "postgres".
	DBName string
	// Persist suppresses data directory removal on Shutdown.
	Persist bool
	// DataDirPrefix is the parent directory under which the cluster's
	// temp data directory is created. Defaults to os.TempDir().
	DataDirPrefix string
	// DumpPath, if set, is loaded into DBName immediately after boot.
	DumpPath string
	// RunAsUser, if set, allows construction to proceed as root by
	// running the postgres child as this user via su.
	RunAsUser string
	// AuthMethod is passed to initdb's --auth flag. Defaults to "password".
	AuthMethod string
	// BootTimeout bounds how long Start waits for readiness. Zero means
	// use the 30s default.
	BootTimeout time.Duration
	// ConfigOverrides maps postgresql.conf parameter names to values.
	ConfigOverrides map[string]string
	// Logger receives structured progress and warning events. Defaults to
	// a no-op logger so library use in tests stays silent unless a caller
	// opts in.
	Logger *zap.Logger
}

// ConfigParam adds or overwrites a single postgresql.conf override and
// returns the Builder for chaining.
func (b *Builder) ConfigParam(key, value string) *Builder {
	if b.ConfigOverrides == nil {
		b.ConfigOverrides = make(map[string]string)
	}
	b.ConfigOverrides[key] = value
	return b
}

func (b *Builder) writeConfigOverrides(path string) error {
	if len(b.ConfigOverrides) == 0 {
		return nil
	}
	var buf strings.Builder
	if err := postgresqlConfTemplate.Execute(&buf, b.ConfigOverrides); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(buf.String())
	return err
}

// withDefaults returns a copy of b with every unset field filled in. It
// does not allocate a port or generate a password; those have side
// effects and are handled in Start.
func (b *Builder) withDefaults() *Builder {
	out := *b
	if out.User == "" {
		out.User = "postgres"
	}
	if out.Host == "" {
		out.Host = "127.0.0.1"
	}
	if out.DBName == "" {
		out.DBName = "postgres"
	}
	if out.AuthMethod == "" {
		out.AuthMethod = "password"
	}
	if out.DataDirPrefix == "" {
		out.DataDirPrefix = os.TempDir()
	}
	if out.BootTimeout == 0 {
		out.BootTimeout = defaultBootTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return &out
}

// ConfigOpt mirrors the teacher's key/value/comment triple. It is retained
// as a convenience for callers who prefer an ordered list of overrides
// over the Builder's map, e.g. when porting existing test fixtures.
type ConfigOpt struct {
	Key     string
	Value   string
	Comment string
}

// Apply copies a slice of ConfigOpt into a Builder's ConfigOverrides map
// and returns the Builder for chaining.
func Apply(b *Builder, opts []ConfigOpt) *Builder {
	for _, o := range opts {
		b.ConfigParam(o.Key, o.Value)
	}
	return b
}

// TestConfig provides sane defaults for a cluster used in unit tests:
// fast and unfsynced. Equivalent in intent to the teacher's TestConfig.
var TestConfig = []ConfigOpt{
	{Key: "fsync", Value: "off", Comment: "tests tolerate crash loss"},
	{Key: "full_page_writes", Value: "off", Comment: "useless without fsync"},
	{Key: "synchronous_commit", Value: "off", Comment: "latency over durability"},
	{Key: "autovacuum", Value: "off", Comment: "deterministic short-lived clusters"},
}
