// Package policy gates finished rebase runs with Open Policy Agent (OPA)
// Rego policies.
//
// Every policy is a Rego module defining a deny set. The engine evaluates
// each enabled policy with the run report as input.report and collects
// the deny elements as violations. A violation is an object with a message,
// a severity and an optional subject, or a plain string that takes the
// policy's default severity.
//
// # Built-in Policies
//
//  1. new-version-build - the new version must build (error)
//  2. old-version-build - a failed baseline build prevents comparison (warning)
//  3. inapplicable-patches - patches needing manual rebasing (warning)
//  4. abi-changes - ABI changes reported by abipkgdiff (warning)
//  5. detached-builds - remote builds that still need to be resumed (info)
//
// # Custom Policies
//
// Custom policies are loaded from .rego or .json files and replace a
// built-in of the same name:
//
//	package custom.gate
//
//	import rego.v1
//
//	deny contains violation if {
//	    some patch in input.report.patches
//	    patch.status == "deleted"
//	    violation := {
//	        "message": sprintf("%s was dropped", [patch.path]),
//	        "severity": "error",
//	    }
//	}
//
// # Severity Levels
//
//   - info and warning violations are reported but do not block
//   - error and critical violations fail the gate
package policy
