// Command releasegate validates the signed go-live artifact before a
// production release. It fails if any required checklist item is missing or
// false, or if referenced drill evidence is absent or stale.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const expectedSchemaVersion = "go-live-checklist-v2"

// Every item has to be affirmed by the signing QA lead. The sync and
// signature entries cover the offline workflows that regular UAT tends to
// miss.
var requiredChecklistItems = []string{
	"uatRepresentativeWorkflows",
	"offlineSyncConflictValidated",
	"signatureIntegrityValidated",
	"forensicExportValidated",
	"auditVerifyPassing",
	"reconcileFindingsTriaged",
	"backupDrillCurrent",
	"objectStorageDrillCurrent",
	"keyRotationValidated",
	"runbookFinalized",
}

type releaseGateArtifact struct {
	SchemaVersion  string          `json:"schemaVersion"`
	ReleaseVersion string          `json:"releaseVersion"`
	SignedBy       string          `json:"signedBy"`
	SignedRole     string          `json:"signedRole"`
	SignedAtUTC    string          `json:"signedAtUtc"`
	SignatureRef   string          `json:"signatureRef"`
	Checklist      map[string]bool `json:"checklist"`
	Evidence       []evidenceItem  `json:"evidence"`
	Notes          string          `json:"notes,omitempty"`
}

type evidenceItem struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`
}

func main() {
	artifactPath := filepath.Clean(filepath.Join("..", "docs", "release-gates", "go-live.json"))
	maxEvidenceAge := 90 * 24 * time.Hour

	flag.StringVar(&artifactPath, "artifact", artifactPath, "path to release gate artifact JSON")
	flag.DurationVar(&maxEvidenceAge, "max-evidence-age", maxEvidenceAge, "reject evidence files older than this")
	flag.Parse()

	data, err := os.ReadFile(artifactPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read artifact %s: %v\n", artifactPath, err)
		os.Exit(1)
	}

	var artifact releaseGateArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		fmt.Fprintf(os.Stderr, "parse artifact %s: %v\n", artifactPath, err)
		os.Exit(1)
	}

	if err := validateArtifact(filepath.Dir(artifactPath), &artifact, maxEvidenceAge); err != nil {
		fmt.Fprintf(os.Stderr, "release gate validation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Release gate validated: %s (%s)\n", artifact.ReleaseVersion, artifactPath)
}

func validateArtifact(artifactDir string, artifact *releaseGateArtifact, maxEvidenceAge time.Duration) error {
	if err := validateSignature(artifact); err != nil {
		return err
	}
	if err := validateChecklist(artifact.Checklist); err != nil {
		return err
	}
	return validateEvidence(artifactDir, artifact.Evidence, maxEvidenceAge)
}

func validateSignature(artifact *releaseGateArtifact) error {
	if strings.TrimSpace(artifact.SchemaVersion) != expectedSchemaVersion {
		return fmt.Errorf("schemaVersion must be %q", expectedSchemaVersion)
	}
	if strings.TrimSpace(artifact.ReleaseVersion) == "" {
		return fmt.Errorf("releaseVersion is required")
	}
	if strings.TrimSpace(artifact.SignedBy) == "" {
		return fmt.Errorf("signedBy is required")
	}
	if strings.TrimSpace(artifact.SignedRole) == "" {
		return fmt.Errorf("signedRole is required")
	}
	if strings.TrimSpace(artifact.SignatureRef) == "" {
		return fmt.Errorf("signatureRef is required")
	}
	if strings.TrimSpace(artifact.SignedAtUTC) == "" {
		return fmt.Errorf("signedAtUtc is required")
	}
	signedAt, err := time.Parse(time.RFC3339, artifact.SignedAtUTC)
	if err != nil {
		return fmt.Errorf("signedAtUtc must be RFC3339: %w", err)
	}
	if signedAt.After(time.Now().UTC().Add(5 * time.Minute)) {
		return fmt.Errorf("signedAtUtc is in the future")
	}
	return nil
}

func validateChecklist(checklist map[string]bool) error {
	if len(checklist) == 0 {
		return fmt.Errorf("checklist is required")
	}
	for _, key := range requiredChecklistItems {
		value, ok := checklist[key]
		if !ok {
			return fmt.Errorf("checklist missing %q", key)
		}
		if !value {
			return fmt.Errorf("checklist item %q must be true", key)
		}
	}
	return nil
}

func validateEvidence(artifactDir string, evidence []evidenceItem, maxAge time.Duration) error {
	if len(evidence) == 0 {
		return fmt.Errorf("at least one evidence entry is required")
	}

	cutoff := time.Now().Add(-maxAge)
	for i, item := range evidence {
		if strings.TrimSpace(item.Type) == "" {
			return fmt.Errorf("evidence[%d].type is required", i)
		}
		hasPath := strings.TrimSpace(item.Path) != ""
		hasURL := strings.TrimSpace(item.URL) != ""
		if !hasPath && !hasURL {
			return fmt.Errorf("evidence[%d] requires path or url", i)
		}
		if !hasPath {
			continue
		}

		resolved := item.Path
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Clean(filepath.Join(artifactDir, "..", "..", item.Path))
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return fmt.Errorf("evidence[%d] path does not exist: %s", i, item.Path)
		}
		if info.IsDir() {
			return fmt.Errorf("evidence[%d] path is a directory: %s", i, item.Path)
		}
		if maxAge > 0 && info.ModTime().Before(cutoff) {
			return fmt.Errorf("evidence[%d] is older than %s: %s", i, maxAge, item.Path)
		}
	}
	return nil
}
