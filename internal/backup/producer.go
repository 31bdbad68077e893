package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

//go:generate mockgen -destination=mocks/mock_producer.go -package=mocks -source=producer.go Producer

const (
	// EngineMongoDB identifies MongoDB dumps
	EngineMongoDB = "mongodb"

	// EnginePostgres identifies PostgreSQL dumps
	EnginePostgres = "postgres"

	// defaultConcurrency is the number of collections or tables dumped in parallel
	defaultConcurrency = 4
)

// ErrUnsupportedScheme is returned when the connection string names an unknown database engine
var ErrUnsupportedScheme = errors.New("unsupported database scheme")

// Result summarizes a successful dump
type Result struct {
	// Engine is the database engine that was dumped
	Engine string

	// Databases lists the databases written, in dump order
	Databases []string

	// Collections is the number of collections (MongoDB) or tables (PostgreSQL) written
	Collections int

	// Records is the number of documents or rows written
	Records int64
}

// Producer dumps a database into a directory
type Producer interface {
	// Backup writes a dump of the configured database beneath dir
	Backup(ctx context.Context, dir string) (*Result, error)

	// Engine returns the database engine this producer dumps
	Engine() string
}

// Option configures a Producer
type Option func(*options)

type options struct {
	concurrency int
}

// WithConcurrency sets how many collections or tables are dumped in parallel
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// NewProducer creates a Producer for the database addressed by uri.
// The engine is selected from the URI scheme.
func NewProducer(uri string, opts ...Option) (Producer, error) {
	if uri == "" {
		return nil, fmt.Errorf("database connection string is required")
	}

	o := &options{concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(o)
	}

	scheme := Scheme(uri)
	switch EngineForScheme(scheme) {
	case EngineMongoDB:
		return newMongoProducer(uri, o)
	case EnginePostgres:
		return newPostgresProducer(uri, o)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// EngineForScheme returns the engine that handles a connection string scheme,
// or "" when the scheme is not supported.
func EngineForScheme(scheme string) string {
	switch scheme {
	case "mongodb", "mongodb+srv":
		return EngineMongoDB
	case "postgres", "postgresql":
		return EnginePostgres
	default:
		return ""
	}
}

// Scheme returns the lower-cased scheme of a connection string, or "" when there is none
func Scheme(uri string) string {
	scheme, _, found := strings.Cut(uri, "://")
	if !found {
		return ""
	}
	return strings.ToLower(scheme)
}

// RedactURI masks the password of a connection string so it can be logged.
// Strings without credentials are returned unchanged.
func RedactURI(uri string) string {
	scheme, rest, found := strings.Cut(uri, "://")
	if !found {
		return uri
	}

	authority := rest
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		authority = rest[:i]
	}

	at := strings.LastIndex(authority, "@")
	if at < 0 {
		return uri
	}

	userinfo := authority[:at]
	user, _, hasPassword := strings.Cut(userinfo, ":")
	if !hasPassword {
		return uri
	}

	return scheme + "://" + user + ":xxxxx" + rest[at:]
}

// safeFileName turns a collection or table name into a single path element.
// Leading dots are replaced so the file is not mistaken for a reserved entry.
func safeFileName(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_", "\x00", "_").Replace(name)
	if strings.HasPrefix(name, ".") {
		name = "_" + name[1:]
	}
	if name == "" {
		name = "_"
	}
	return name
}
