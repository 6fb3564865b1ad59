package store

// Compile-time check that the SQLite implementation covers the full store
// contract the HTTP layer and workers depend on.
var _ Store = (*SQLiteStore)(nil)
