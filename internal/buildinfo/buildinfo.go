// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = ""
	Date    = ""

	// UserAgent identifies fonoteka to services we control (qBittorrent,
	// metrics scrapers). Requests to the tracker itself use a browser
	// user agent instead, see internal/tracker.
	UserAgent = fmt.Sprintf("fonoteka/%s", Version)
)

// String renders the release line for the version command, including the
// commit and build date when the binary was built with ldflags.
func String() string {
	s := Version
	if Commit != "" {
		s += fmt.Sprintf(" (commit %s)", Commit)
	}
	if Date != "" {
		s += fmt.Sprintf(" built %s", Date)
	}
	return s
}
