package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		newVersionBuildPolicy(),
		oldVersionBuildPolicy(),
		inapplicablePatchesPolicy(),
		abiChangesPolicy(),
		detachedBuildsPolicy(),
	}
}

// newVersionBuildPolicy fails the gate when the new version did not build.
func newVersionBuildPolicy() Policy {
	return Policy{
		Name:        "new-version-build",
		Description: "The new version must build as source and binary packages",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"build"},
		Rego: `package rebase_helper.builds.new

import rego.v1

deny contains violation if {
	some failure in input.report.failures
	failure.version == "new"
	violation := {
		"message": sprintf("%s of the new version failed%s", [failure.category, section_suffix(failure)]),
		"severity": "error",
		"subject": "new",
	}
}

section_suffix(f) := sprintf(" in %s", [f.section]) if object.get(f, "section", "") != ""

section_suffix(f) := "" if object.get(f, "section", "") == ""
`,
	}
}

// oldVersionBuildPolicy warns when the baseline did not build, since the
// packages cannot be compared then.
func oldVersionBuildPolicy() Policy {
	return Policy{
		Name:        "old-version-build",
		Description: "The old version should build so the results can be compared",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"build"},
		Rego: `package rebase_helper.builds.old

import rego.v1

deny contains violation if {
	some failure in input.report.failures
	failure.version == "old"
	violation := {
		"message": sprintf("%s of the old version failed; packages cannot be compared", [failure.category]),
		"severity": "warning",
		"subject": "old",
	}
}
`,
	}
}

// inapplicablePatchesPolicy reports patches that need manual rebasing.
func inapplicablePatchesPolicy() Policy {
	return Policy{
		Name:        "inapplicable-patches",
		Description: "Patches that could not be reapplied need manual rebasing",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"patches"},
		Rego: `package rebase_helper.patches

import rego.v1

deny contains violation if {
	some patch in input.report.patches
	patch.status == "inapplicable"
	violation := {
		"message": sprintf("patch %s does not apply to the new version and needs manual rebasing", [patch.path]),
		"severity": "warning",
		"subject": patch.path,
	}
}
`,
	}
}

// abiChangesPolicy reports ABI changes found by abipkgdiff.
func abiChangesPolicy() Policy {
	return Policy{
		Name:        "abi-changes",
		Description: "ABI changes between the old and new binary packages",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"checkers"},
		Rego: `package rebase_helper.abi

import rego.v1

deny contains violation if {
	input.report.checkers.abipkgdiff.abi_changes == true
	violation := {
		"message": "abipkgdiff reported ABI changes between the old and new packages",
		"severity": "warning",
		"subject": "abipkgdiff",
	}
}
`,
	}
}

// detachedBuildsPolicy notes remote builds that still have to be resumed.
func detachedBuildsPolicy() Policy {
	return Policy{
		Name:        "detached-builds",
		Description: "Remote builds left running must be resumed to finish the run",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"build", "remote"},
		Rego: `package rebase_helper.detached

import rego.v1

deny contains violation if {
	some task in input.report.detached
	violation := {
		"message": sprintf("remote build %s is still running; resume it to finish the run", [task.id]),
		"severity": "info",
		"subject": task.id,
	}
}
`,
	}
}
