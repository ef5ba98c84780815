// Package policy decides which capabilities an extension may import and
// which environment variables a sandboxed child may observe.
//
// A capability is a bare module name passed to require. Resolution is:
//
//   - blocked names are denied, even when an override names them
//   - allowed names are granted to every extension
//   - anything else is granted only if the extension's own override list
//     names it
//
// Overrides are keyed by extension id. There is no global override.
//
// Example Usage:
//
//	p := policy.Default().WithOverrides(map[string][]string{
//	    "ms-python.python": {"os"},
//	})
//	if err := p.Check("ms-python.python", "os"); err != nil {
//	    // ERR_MODULE_NOT_ALLOWED
//	}
package policy
