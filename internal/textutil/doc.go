// Package textutil provides text processing utilities for filename
// sanitization and embedding-oriented chunking.
//
// The primary use cases are:
//   - Sanitizing client-supplied filenames into safe object-store key segments
//   - Splitting extracted document text into overlapping chunks for embedding
//
// Chunking prefers paragraph boundaries, then sentences, and falls back to raw
// character slicing only when a single sentence exceeds the chunk size.
package textutil
