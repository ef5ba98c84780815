// Package utils holds small helpers shared by the persistence packages:
// manifest field validation, content hashing and atomic file replacement.
package utils
