// Package engine provides the core types and interfaces shared by the
// rebase pipeline.
//
// # Overview
//
// A rebase moves an RPM package from the packaged upstream version (old) to a
// newer one (new). The pipeline runs in a fixed order:
//
//  1. Reconcile - reapply downstream patches on both source trees (pkg/patcher)
//  2. Build - build the SRPM and then the RPMs of each version (pkg/builder)
//  3. Classify - turn build failures into FailureRecords (pkg/classifier)
//  4. Check - run comparison checkers over the results (pkg/checkers)
//  5. Report - render the results through output tools (pkg/output)
//
// # Core Domain Types
//
//   - SourceTree: an extracted source directory tagged old or new
//   - Patch: a downstream patch with apply options and a terminal PatchStatus
//   - PatchApplicationResult: exit code and failed files per (patch, tree)
//   - BuildArtifact: packages and logs of a successful build stage
//   - RemoteTask: client view of an asynchronous build with a TaskState
//   - FailureRecord: the classification of a failed build
//
// # Errors
//
// RebaseError carries an ErrorClass. Build failures, patch conflicts and
// missing checkers are recorded and do not stop a run; IsFatal reports the
// errors that do.
package engine
