// Package backup produces logical database dumps on the local filesystem.
//
// A Producer writes one file per collection or table beneath the target
// directory, grouped by database name, in a text format that diffs cleanly
// between successive runs:
//
//   - MongoDB: <dir>/<database>/<collection>.json, canonical Extended JSON,
//     one document per line, sorted by _id.
//   - PostgreSQL: <dir>/<database>/<schema>/<table>.csv, produced with
//     COPY ... TO STDOUT (FORMAT csv, HEADER true).
//
// The engine is chosen from the connection string scheme by NewProducer.
// Collections and tables are dumped concurrently with a bounded worker
// group; the first failure cancels the remaining work.
package backup
