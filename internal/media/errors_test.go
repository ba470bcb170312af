package media

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDownloadError(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    ErrorKind
	}{
		{
			name:    "bot check straight quote",
			message: "ERROR: [youtube] abc: Sign in to confirm you're not a bot.",
			want:    KindBlocked,
		},
		{
			name:    "bot check curly quote",
			message: "ERROR: Sign in to confirm you’re not a bot. Use --cookies for authentication",
			want:    KindBlocked,
		},
		{
			name:    "cookies hint",
			message: "ERROR: use --cookies-from-browser or --cookies to authenticate",
			want:    KindBlocked,
		},
		{
			name:    "captcha",
			message: "please solve the CAPTCHA to continue",
			want:    KindBlocked,
		},
		{
			name:    "members only",
			message: "ERROR: Join this channel to get access to members-only content",
			want:    KindMembershipOnly,
		},
		{
			name:    "member without join phrase",
			message: "this member video is member-only",
			want:    KindMembershipOnly,
		},
		{
			name:    "format unavailable",
			message: "ERROR: Requested format is not available",
			want:    KindFormatUnavailable,
		},
		{
			name:    "http 429",
			message: "ERROR: unable to download video data: HTTP Error 429: Too Many Requests",
			want:    KindRetryable,
		},
		{
			name:    "timeout",
			message: "urlopen error: request timed out",
			want:    KindRetryable,
		},
		{
			name:    "connection reset",
			message: "Connection reset by peer",
			want:    KindRetryable,
		},
		{
			name:    "blocked wins over retryable",
			message: "unable to download: sign in to confirm you're not a bot",
			want:    KindBlocked,
		},
		{
			name:    "unknown",
			message: "this video is not available in your country",
			want:    KindOther,
		},
		{
			name:    "empty",
			message: "",
			want:    KindOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyDownloadError(tt.message))
		})
	}
}

func TestDownloadError_Error(t *testing.T) {
	err := &DownloadError{Kind: KindBlocked, Message: "sign in required"}
	assert.Equal(t, "download failed (blocked): sign in required", err.Error())
}

func TestAsDownloadError(t *testing.T) {
	derr := &DownloadError{Kind: KindRetryable, Message: "timeout"}
	wrapped := fmt.Errorf("attempt 2: %w", derr)
	assert.Equal(t, KindRetryable, AsDownloadError(wrapped).Kind)

	plain := errors.New("something else")
	got := AsDownloadError(plain)
	assert.Equal(t, KindOther, got.Kind)
	assert.Equal(t, "something else", got.Message)
}
