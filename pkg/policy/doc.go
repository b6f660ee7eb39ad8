// Package policy gates the filesystem side effects of a script with Open
// Policy Agent.
//
// Every write and link is turned into an Input document and evaluated
// against the deny set of each enabled Rego policy. Violations with error
// or critical severity reject the operation before it is recorded or
// performed; lower severities are logged as warnings.
//
// Built-in policies protect the revision store and kernel filesystems.
// Additional policies are loaded from .rego files, or from .json files
// wrapping Rego source, found in the configured policy directories:
//
//	package rootbeer.policies.custom
//
//	import rego.v1
//
//	deny contains violation if {
//		endswith(input.op.path, ".bashrc")
//		violation := {"message": "bashrc is managed elsewhere", "severity": "error"}
//	}
package policy
