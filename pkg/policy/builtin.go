package policy

// BuiltinPolicies returns the policies every gate starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		storeProtectionPolicy(),
		systemPathsPolicy(),
		homeBoundaryPolicy(),
	}
}

// storeProtectionPolicy keeps scripts from writing into the revision store.
func storeProtectionPolicy() Policy {
	return Policy{
		Name:        "store-protection",
		Description: "Scripts may not write or link into the revision store",
		Severity:    SeverityCritical,
		Enabled:     true,
		Rego: `package rootbeer.policies.store

import rego.v1

deny contains violation if {
	input.store_root != ""
	inside(input.op.path, input.store_root)
	violation := {
		"message": sprintf("%s targets the revision store %s", [input.op.path, input.store_root]),
		"severity": "critical",
		"path": input.op.path,
	}
}

inside(path, root) if path == root

inside(path, root) if startswith(path, concat("", [trim_right(root, "/"), "/"]))
`,
	}
}

// systemPathsPolicy rejects writes into kernel and boot filesystems.
func systemPathsPolicy() Policy {
	return Policy{
		Name:        "system-paths",
		Description: "Virtual and boot filesystems are never managed",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package rootbeer.policies.system

import rego.v1

protected := ["/proc", "/sys", "/dev", "/boot"]

deny contains violation if {
	some root in protected
	under(input.op.path, root)
	violation := {
		"message": sprintf("%s is under protected path %s", [input.op.path, root]),
		"severity": "error",
		"path": input.op.path,
	}
}

under(path, root) if path == root

under(path, root) if startswith(path, concat("", [root, "/"]))
`,
	}
}

// homeBoundaryPolicy warns about links placed outside the invoking user's
// home directory.
func homeBoundaryPolicy() Policy {
	return Policy{
		Name:        "home-boundary",
		Description: "Links outside the home directory are reported",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package rootbeer.policies.home

import rego.v1

deny contains violation if {
	input.op.kind == "link"
	input.home != ""
	not startswith(input.op.path, concat("", [input.home, "/"]))
	violation := {
		"message": sprintf("link %s is outside %s", [input.op.path, input.home]),
		"severity": "warning",
		"path": input.op.path,
	}
}
`,
	}
}
