// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reporting

// Kind is the coarse failure taxonomy every classified error falls into.
type Kind string

const (
	KindNetworkFailure     Kind = "network_failure"
	KindLoginRequired      Kind = "login_required"
	KindCaptchaRequired    Kind = "captcha_required"
	KindAutomatedChallenge Kind = "automated_challenge_required"
	KindRateLimited        Kind = "rate_limited"
	KindSourceUnavailable  Kind = "source_unavailable"
	KindAllSourcesDown     Kind = "all_sources_unavailable"
	KindParseFailure       Kind = "parse_failure"
	KindCacheFailure       Kind = "cache_failure"
	KindOfflineMode        Kind = "offline_mode_active"
	KindNotFound           Kind = "not_found"
	KindUnknown            Kind = "unknown"
)

// Severity routes a report to logging and user messaging.
type Severity int

// SeverityAuto tells Classify to derive the severity from the kind.
const SeverityAuto Severity = -1

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// severityFor is the fixed kind-to-severity mapping applied when the caller
// does not supply one.
func severityFor(kind Kind) Severity {
	switch kind {
	case KindAllSourcesDown:
		return SeverityCritical
	case KindLoginRequired, KindCaptchaRequired, KindAutomatedChallenge, KindSourceUnavailable:
		return SeverityHigh
	case KindNetworkFailure, KindRateLimited:
		return SeverityMedium
	case KindParseFailure, KindCacheFailure, KindOfflineMode, KindNotFound:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

type messageSet struct {
	user   string
	action string
}

// messages must stay total over the Kind space; unknown kinds fall through to
// the generic entry. User strings never expose raw causes.
var messages = map[Kind]messageSet{
	KindNetworkFailure: {
		user:   "Could not reach the tracker. Check your internet connection.",
		action: "Retry in a moment, or enable offline mode to browse cached results.",
	},
	KindLoginRequired: {
		user:   "Your session has expired and a new login is required.",
		action: "Sign in again with your tracker account.",
	},
	KindCaptchaRequired: {
		user:   "The tracker is asking for a captcha to continue.",
		action: "Enter the characters from the captcha image.",
	},
	KindAutomatedChallenge: {
		user:   "The tracker is running an automated browser check.",
		action: "Open the tracker in a browser, complete the check, then retry.",
	},
	KindRateLimited: {
		user:   "The tracker is throttling requests from this client.",
		action: "Wait a few minutes before trying again.",
	},
	KindSourceUnavailable: {
		user:   "The tracker mirror did not respond.",
		action: "Another mirror will be tried automatically.",
	},
	KindAllSourcesDown: {
		user:   "None of the tracker mirrors are reachable right now.",
		action: "Cached results will be served until a mirror comes back.",
	},
	KindParseFailure: {
		user:   "The tracker returned a page that could not be read.",
		action: "Retry; if this keeps happening the site layout may have changed.",
	},
	KindCacheFailure: {
		user:   "The local cache could not be read or written.",
		action: "Check free disk space, or clear the cache from settings.",
	},
	KindOfflineMode: {
		user:   "Offline mode is active; showing cached results only.",
		action: "Disable offline mode to fetch live results.",
	},
	KindNotFound: {
		user:   "Nothing was found for this request.",
		action: "Try a different query or category.",
	},
	KindUnknown: {
		user:   "Something went wrong.",
		action: "Retry; if the problem persists check the logs.",
	},
}

func messagesFor(kind Kind) messageSet {
	if m, ok := messages[kind]; ok {
		return m
	}
	return messages[KindUnknown]
}
