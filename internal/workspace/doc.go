// Package workspace provides path-sandboxed file operations for extension
// contexts.
//
// Every operation takes a window id and a path. The path is resolved to a
// canonical absolute form (relative paths against the window's first
// root, symlinks evaluated) and must land inside one of that window's
// approved roots; otherwise the operation fails with
// ERR_PATH_NOT_APPROVED before touching the disk.
//
// Limits:
//   - reads stat the file first and refuse anything over MaxReadBytes
//   - writes check the payload against MaxWriteBytes before opening a file
//   - directory listings stop at MaxDirEntries and report truncation
//   - recursive enumeration (findFiles, workspaceContains) stops at
//     MaxFindResults and reports truncation
//
// Rename validates both source and destination. The roots themselves can
// be neither renamed nor deleted.
//
// The broker also keeps the file watcher table: extensions register glob
// patterns and the coordinator matches UI file-change events against them.
package workspace
