// Package crawler defines the core types and interfaces of the deepcrawl
// engine: work units, fetch outcomes, records, run counters, and the narrow
// collaborator interfaces (fetcher, extractor, sink, claim set) the pipeline
// and worker pool are wired with.
package crawler
