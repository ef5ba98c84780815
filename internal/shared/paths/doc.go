// Package paths provides path canonicalization and containment checks.
//
// Every sandbox boundary in the host reduces to the same question: after
// making a path absolute, cleaning it and resolving symlinks, is it equal to
// or beneath one of a set of approved roots? The module loader asks it about
// an extension's install directory, the workspace broker about a window's
// workspace folders, and the process broker about both.
//
// # Directory Structure
//
//	<data>/
//	  ├── extensions/      (unpacked extension install dirs)
//	  ├── extensions.json  (extension index)
//	  └── storage/         (state bags, sealed secrets)
//
// # Usage
//
//	root, _ := paths.Canonical(installDir)
//	target, _ := paths.Canonical(filepath.Join(root, spec))
//	if !paths.Within(root, target) {
//	    // reject
//	}
package paths
