// Cache for external lookups, such as analysis results, with a fixed TTL and de-duplication of
// concurrent loads for the same key.
//
// Values are strings; FetchJSON layers JSON encoding on top. Implementations use redis (with a
// local tier) or in-process memory.
package cachestore
