// Package classifier turns a build report into structured failure records.
//
// Classification is best-effort text scanning of build logs. Callers depend
// on the Classifier interface only, so a classifier fed by structured build
// events can replace the log scanner later.
package classifier

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

// sectionRe matches the line rpmbuild prints when a spec section fails.
var sectionRe = regexp.MustCompile(`^error: Bad exit status from .+ \((%\w+)\)$`)

// Classifier produces failure records from a build report.
type Classifier interface {
	// Classify returns at most one record per version, old before new.
	Classify(report engine.BuildReport) []engine.FailureRecord

	// ClassifyVersion returns the record of one version, if it failed.
	ClassifyVersion(report engine.BuildReport, version engine.Version) (engine.FailureRecord, bool)
}

// LogScanner classifies failures from the report flags and extracts the
// failed rpmbuild section from the binary build log.
type LogScanner struct {
	// LogName is the base name of the log scanned for the section marker.
	LogName string

	// Logger receives unreadable-log diagnostics. The zero value is silent.
	Logger zerolog.Logger
}

var _ Classifier = (*LogScanner)(nil)

// NewLogScanner returns a scanner of build.log that reports to logger.
func NewLogScanner(logger zerolog.Logger) *LogScanner {
	return &LogScanner{
		LogName: "build.log",
		Logger:  logger.With().Str("component", "classifier").Logger(),
	}
}

// Default is the classifier used by the package-level functions.
var Default Classifier = NewLogScanner(zerolog.Nop())

// Classify classifies report with the default classifier.
func Classify(report engine.BuildReport) []engine.FailureRecord {
	return Default.Classify(report)
}

// ClassifyVersion classifies one version with the default classifier.
func ClassifyVersion(report engine.BuildReport, version engine.Version) (engine.FailureRecord, bool) {
	return Default.ClassifyVersion(report, version)
}

// Classify implements Classifier.
func (s *LogScanner) Classify(report engine.BuildReport) []engine.FailureRecord {
	var records []engine.FailureRecord
	for _, v := range engine.Versions {
		if rec, ok := s.ClassifyVersion(report, v); ok {
			records = append(records, rec)
		}
	}
	return records
}

// ClassifyVersion implements Classifier. A source package failure takes
// precedence over a binary one.
func (s *LogScanner) ClassifyVersion(report engine.BuildReport, version engine.Version) (engine.FailureRecord, bool) {
	vr, ok := report.Versions[version]
	if !ok {
		return engine.FailureRecord{}, false
	}

	switch {
	case vr.SRPM.Failed:
		return engine.FailureRecord{Category: engine.FailureSourcePackageBuild, Version: version}, true
	case vr.RPM.Failed:
		return engine.FailureRecord{
			Category: engine.FailureBinaryPackageBuild,
			Version:  version,
			Section:  s.section(vr.RPM.Logs),
		}, true
	}
	return engine.FailureRecord{}, false
}

func (s *LogScanner) section(logs []string) string {
	name := s.LogName
	if name == "" {
		name = "build.log"
	}
	for _, path := range logs {
		if filepath.Base(path) != name {
			continue
		}
		if section := s.ScanSection(path); section != "" {
			return section
		}
	}
	return ""
}

// ScanSection returns the first failed section named in a build log, or an
// empty string when the log is unreadable or has no marker.
func (s *LogScanner) ScanSection(path string) string {
	f, err := os.Open(path)
	if err != nil {
		s.Logger.Debug().Err(err).Str("log", path).Msg("build log not readable")
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if m := sectionRe.FindStringSubmatch(scanner.Text()); m != nil {
			return m[1]
		}
	}
	if err := scanner.Err(); err != nil {
		s.Logger.Debug().Err(err).Str("log", path).Msg("failed to scan build log")
	}
	return ""
}
