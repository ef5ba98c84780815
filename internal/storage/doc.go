// Package storage persists extension state.
//
// State bags are JSON objects partitioned by scope and extension id:
//
//	<storage>/global/<extension>.json
//	<storage>/workspace/<window>/<extension>.json
//
// Bags are loaded lazily, cached, and rewritten atomically (temp file plus
// rename) on every change.
//
// Secrets live beside the bags in <storage>/secrets/<extension>.json. Each
// value is sealed with XChaCha20-Poly1305 under a 32-byte key kept in a
// 0600 key file, with the extension id and secret name bound as
// additional data so a sealed value cannot be replayed under another name.
package storage
