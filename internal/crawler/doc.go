// Package crawler defines the core types and small interfaces shared by the
// cache, fetch, collect and registry subsystems of the market crawler.
package crawler
