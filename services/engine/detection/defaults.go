// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detection implements the four-signal integrity scorer set and the
// vote-based quarantine decision.
//
// Each scorer is a pure function over its inputs, returns a score in [0,1]
// (higher is safer), and never observes the other scorers. The engine fans
// scoring out per document and applies the N-of-4 rule.
package detection

// DefaultThreshold is the per-signal threshold below which a signal counts
// toward the quarantine vote.
const DefaultThreshold = 0.5

// DefaultQuorum is how many signals must fall below the threshold before a
// document is quarantined.
const DefaultQuorum = 2

// DefaultTrustSources maps source prefixes to reputation scores. Longest
// matching prefix wins; sources absent from the table score 0.5.
var DefaultTrustSources = map[string]float64{
	"nvd.nist.gov":         1.0,
	"cve.mitre.org":        1.0,
	"ubuntu.com/security":  0.9,
	"redhat.com/security":  0.9,
	"debian.org/security":  0.9,
	"microsoft.com/security": 0.85,
	"github.com/advisories": 0.8,
	"internal_kb":          0.9,
	"golden":               0.95,
	"clean":                0.85,
	"unknown":              0.1,
	"poisoned":             0.0,
}

// DefaultRedFlags groups case-insensitive keyword phrases into the five
// semantic categories the red-flag scorer scans for.
var DefaultRedFlags = map[string][]string{
	"security_downgrade": {
		"disable firewall",
		"turn off waf",
		"skip security scan",
		"stop firewalld",
		"systemctl stop",
		"ufw disable",
		"temporarily disable security",
		"bypass security",
		"disable antivirus",
	},
	"dangerous_permissions": {
		"chmod 777",
		"chmod -r 777",
		"permissive permissions",
		"world-writable",
		"grant full access",
		"0777",
	},
	"severity_downplay": {
		"low priority",
		"not urgent",
		"ignore this cve",
		"can be deferred",
		"no immediate action",
		"largely mitigated",
		"low-medium severity",
		"adequate protection",
		"next maintenance window",
	},
	"unsafe_operations": {
		"skip verification",
		"bypass check",
		"disable validation",
		"without security modules",
		"run as root",
		"disable selinux",
		"disable apparmor",
		"ignore warning",
	},
	"social_engineering": {
		"trust this source",
		"urgent action required",
		"verify later",
		"verified by community",
		"everyone uses this",
		"no need to check",
		"pre-approved",
		"already validated",
	},
}

// goldenWarningMarkers flag lines in golden documents that quote dangerous
// phrases as counter-examples ("never chmod 777 ..."). Such lines are
// stripped before red-flag scanning so documentation of an attack does not
// score as the attack itself.
var goldenWarningMarkers = []string{
	"never ",
	"warning:",
	"- never",
	"do not ",
}
