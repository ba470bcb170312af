package media

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies download failures so the pipeline can decide
// between retry, terminal failure and pausing all downloads.
type ErrorKind string

const (
	// KindBlocked means the source demanded a bot check or sign-in.
	// These count toward the gate's pause threshold.
	KindBlocked ErrorKind = "blocked"
	// KindMembershipOnly means the video needs a channel membership.
	// Permanent; the item becomes unavailable.
	KindMembershipOnly ErrorKind = "membership_only"
	// KindFormatUnavailable means the preferred format selector matched
	// nothing. Worth one retry with a looser selector.
	KindFormatUnavailable ErrorKind = "format_unavailable"
	// KindRetryable covers transient network and 429/5xx failures.
	KindRetryable ErrorKind = "retryable"
	// KindLiveStream means the URL is a live stream, which would download
	// forever. Terminal until the stream ends.
	KindLiveStream ErrorKind = "live_stream"
	// KindOther is everything else.
	KindOther ErrorKind = "other"
)

// DownloadError is a classified download failure.
type DownloadError struct {
	Kind    ErrorKind
	Message string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download failed (%s): %s", e.Kind, e.Message)
}

// AsDownloadError unwraps err into a *DownloadError, classifying unknown
// errors as KindOther so callers always get a kind to switch on.
func AsDownloadError(err error) *DownloadError {
	var derr *DownloadError
	if errors.As(err, &derr) {
		return derr
	}
	return &DownloadError{Kind: KindOther, Message: err.Error()}
}

// blockedNeedles mark errors where the source is refusing to serve bots.
// The curly-quote variant appears verbatim in real error output.
var blockedNeedles = []string{
	"sign in to confirm you're not a bot",
	"sign in to confirm you’re not a bot",
	"confirm you’re not a bot",
	"confirm you're not a bot",
	"use --cookies-from-browser or --cookies",
	"captcha",
	"verify that you are not a robot",
	"this helps protect our community",
	"cookies are no longer valid",
}

var retryableNeedles = []string{
	"timed out",
	"timeout",
	"temporarily unavailable",
	"connection reset",
	"connection aborted",
	"connection refused",
	"network is unreachable",
	"tls",
	"ssl",
	"proxy",
	"http error 429",
	"http error 500",
	"http error 502",
	"http error 503",
	"http error 504",
	"unable to download",
	"failed to establish a new connection",
}

// ClassifyDownloadError maps raw yt-dlp output to an ErrorKind.
// Order matters: blocked and membership checks win over the broad
// retryable needles.
func ClassifyDownloadError(message string) ErrorKind {
	if message == "" {
		return KindOther
	}
	msg := strings.ToLower(message)

	for _, n := range blockedNeedles {
		if strings.Contains(msg, n) {
			return KindBlocked
		}
	}

	if isMembershipOnly(msg) {
		return KindMembershipOnly
	}

	if strings.Contains(msg, "requested format is not available") {
		return KindFormatUnavailable
	}

	for _, n := range retryableNeedles {
		if strings.Contains(msg, n) {
			return KindRetryable
		}
	}

	return KindOther
}

func isMembershipOnly(msg string) bool {
	if !strings.Contains(msg, "member") {
		return false
	}
	return strings.Contains(msg, "members-only") ||
		strings.Contains(msg, "member-only") ||
		strings.Contains(msg, "join this channel") ||
		strings.Contains(msg, "join the channel")
}
