package backup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

// systemDatabases are never included when dumping every database on a server
var systemDatabases = []string{"admin", "config", "local"}

// documentCursor is the subset of *mongo.Cursor used to stream documents
type documentCursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
}

// mongoProducer dumps MongoDB databases as Extended JSON
type mongoProducer struct {
	uri         string
	database    string
	concurrency int
}

func newMongoProducer(uri string, o *options) (*mongoProducer, error) {
	database, err := databaseFromURI(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid MongoDB connection string: %w", err)
	}

	return &mongoProducer{
		uri:         uri,
		database:    database,
		concurrency: o.concurrency,
	}, nil
}

// databaseFromURI returns the database named in the path of a MongoDB URI.
// Hosts are not resolved; mongodb+srv records are looked up on connect.
func databaseFromURI(uri string) (string, error) {
	_, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return "", errors.New("missing scheme separator")
	}
	rest, _, _ = strings.Cut(rest, "?")
	hosts, path, _ := strings.Cut(rest, "/")
	if i := strings.LastIndex(hosts, "@"); i >= 0 {
		hosts = hosts[i+1:]
	}
	if hosts == "" {
		return "", errors.New("no host specified")
	}

	database, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("invalid database name: %w", err)
	}
	if strings.ContainsAny(database, `/\. "$`) {
		return "", fmt.Errorf("invalid database name %q", database)
	}
	return database, nil
}

// driverLogger routes the driver's own diagnostics into slog.
// The driver logs info messages at logr V(0), which slog emits at info level.
func driverLogger() *mongooptions.LoggerOptions {
	sink := logr.FromSlogHandler(slog.Default().Handler()).WithName("mongo").GetSink()
	return mongooptions.Logger().
		SetSink(sink).
		SetComponentLevel(mongooptions.LogComponentAll, mongooptions.LogLevelInfo)
}

// Engine returns the database engine this producer dumps
func (*mongoProducer) Engine() string {
	return EngineMongoDB
}

// Backup dumps the database named in the URI, or every non-system database when none is named
func (p *mongoProducer) Backup(ctx context.Context, dir string) (*Result, error) {
	client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(p.uri).SetLoggerOptions(driverLogger()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to disconnect from MongoDB", "error", err)
		}
	}()

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	databases, err := p.databases(ctx, client)
	if err != nil {
		return nil, err
	}

	result := &Result{Engine: EngineMongoDB, Databases: databases}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, dbName := range databases {
		db := client.Database(dbName)
		names, err := db.ListCollectionNames(ctx, bson.D{})
		if err != nil {
			_ = g.Wait()
			return nil, fmt.Errorf("failed to list collections of %s: %w", dbName, err)
		}
		slices.Sort(names)

		dbDir := filepath.Join(dir, safeFileName(dbName))
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			_ = g.Wait()
			return nil, fmt.Errorf("failed to create directory for database %s: %w", dbName, err)
		}

		slog.Debug("Dumping MongoDB database", "database", dbName, "collections", len(names))
		for _, name := range names {
			if strings.HasPrefix(name, "system.") {
				continue
			}
			path := filepath.Join(dbDir, safeFileName(name)+".json")
			g.Go(func() error {
				count, err := dumpCollection(gctx, db.Collection(name), path)
				if err != nil {
					return fmt.Errorf("failed to dump collection %s.%s: %w", dbName, name, err)
				}
				mu.Lock()
				result.Collections++
				result.Records += count
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// databases resolves which databases to dump
func (p *mongoProducer) databases(ctx context.Context, client *mongo.Client) ([]string, error) {
	if p.database != "" {
		return []string{p.database}, nil
	}

	names, err := client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	return userDatabases(names), nil
}

// userDatabases filters out system databases and sorts the remainder
func userDatabases(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		if slices.Contains(systemDatabases, name) {
			continue
		}
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}

// dumpCollection writes every document of a collection to path, ordered by _id
func dumpCollection(ctx context.Context, coll *mongo.Collection, path string) (int64, error) {
	cursor, err := coll.Find(ctx, bson.D{}, mongooptions.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return 0, fmt.Errorf("failed to query collection: %w", err)
	}
	defer func() {
		_ = cursor.Close(context.WithoutCancel(ctx))
	}()

	// #nosec G304 -- path is built from the configured target directory and sanitized names
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	count, err := writeDocuments(ctx, f, cursor)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close %s: %w", path, closeErr)
	}
	return count, err
}

// writeDocuments streams documents from cursor to w as canonical Extended JSON lines
func writeDocuments(ctx context.Context, w io.Writer, cursor documentCursor) (int64, error) {
	buf := bufio.NewWriter(w)
	var count int64

	for cursor.Next(ctx) {
		var doc bson.Raw
		if err := cursor.Decode(&doc); err != nil {
			return count, fmt.Errorf("failed to decode document: %w", err)
		}

		line, err := bson.MarshalExtJSON(doc, true, false)
		if err != nil {
			return count, fmt.Errorf("failed to encode document: %w", err)
		}
		if _, err := buf.Write(line); err != nil {
			return count, err
		}
		if err := buf.WriteByte('\n'); err != nil {
			return count, err
		}
		count++
	}
	if err := cursor.Err(); err != nil {
		return count, fmt.Errorf("cursor failed: %w", err)
	}

	return count, buf.Flush()
}
