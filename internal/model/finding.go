package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Finding is a single issue extracted from a tool's output.
type Finding struct {
	Tool        string   `json:"tool"`
	RuleID      string   `json:"ruleId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line,omitempty"`
	Confidence  float64  `json:"confidence"`
	Fingerprint string   `json:"fingerprint"`
}

// Fingerprint returns a stable SHA-256 identity for a finding so repeated runs
// of the same tool against the same code deduplicate downstream.
func Fingerprint(tool, ruleID, file string, line int, title string) string {
	data := []byte(tool + ":" + ruleID + ":" + file + ":" + strconv.Itoa(line) + ":" + title)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
