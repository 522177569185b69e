// Package ingest contains crawler.Ingestor implementations that do not need
// a search backend: an in-memory index and a blob archive that forwards to
// the next ingestor.
package ingest
