// Package types defines the record store contract, table descriptors, rows and
// canonical keys, and the standard error types shared by every pipeline
// package.
//
// Stores persist rows keyed by (table, encoded key). Keys are produced by
// EncodeKey and keep the attribute-prefix property: the encoding of a key
// prefix is a byte prefix of the encoding of every key that extends it.
package types
