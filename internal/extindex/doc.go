// Package extindex is the installed-extension index.
//
// An extension is an already unpacked directory with a package.json
// manifest. The index records one entry per extension id
// (publisher.name) and persists them in a single JSON file.
//
// Reading and writing are deliberately asymmetric. Load skips and logs
// entries it cannot use so one bad record never hides the rest; Save
// validates every record and refuses to write an index it could not read
// back.
package extindex
