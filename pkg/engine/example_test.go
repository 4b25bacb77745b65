package engine_test

import (
	"errors"
	"fmt"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

// Example_errorHandling shows how the pipeline decides whether an error
// stops a run.
func Example_errorHandling() {
	errs := []error{
		engine.NewBinaryPackageBuildError("rpmbuild failed", 1).WithVersion(engine.VersionNew),
		engine.NewCheckerNotFoundError("rpmdiff", "rpmdiff"),
		engine.NewEnvironmentError("patch not found in PATH", nil).WithCode(engine.ErrCodeToolMissing),
		fmt.Errorf("upload: %w", errors.New("connection reset")),
	}

	for _, err := range errs {
		fmt.Printf("class=%q fatal=%t exit=%d\n", engine.ClassOf(err), engine.IsFatal(err), engine.ExitCodeOf(err))
	}

	// Output:
	// class="binary-package-build" fatal=false exit=1
	// class="checker-not-found" fatal=false exit=-1
	// class="environment" fatal=true exit=-1
	// class="" fatal=true exit=-1
}

// Example_patchLegend prints the markers used for patches in text reports.
func Example_patchLegend() {
	for _, s := range []engine.PatchStatus{
		engine.PatchStatusUntouched,
		engine.PatchStatusModified,
		engine.PatchStatusDeleted,
		engine.PatchStatusInapplicable,
	} {
		fmt.Printf("[%s] %s\n", s.Marker(), s)
	}

	// Output:
	// [ ] untouched
	// [*] modified
	// [-] deleted
	// [!] inapplicable
}
