// Package crawler defines the data model and collaborator interfaces of the
// crawl engine: requests flowing through the frontier, results flowing back to
// the orchestrator, and the Fetcher, LinkExtractor, and EntryStore contracts
// the engine calls but does not implement.
package crawler
