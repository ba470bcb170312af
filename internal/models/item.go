package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"gorm.io/gorm"
)

// ItemStage represents where an item currently sits in the processing
// pipeline. Stages advance strictly forward; failed and unavailable are
// terminal, and completed items never re-enter the queue.
type ItemStage string

const (
	// StagePending means the item is queued and waiting for a download
	// worker to claim it.
	StagePending ItemStage = "pending"
	// StageDownloading means a worker is fetching the source media.
	StageDownloading ItemStage = "downloading"
	// StageConverting means the downloaded media is being extracted to
	// mono 16 kHz WAV for transcription.
	StageConverting ItemStage = "converting"
	// StageTranscribing means the item is queued for or undergoing
	// speech recognition.
	StageTranscribing ItemStage = "transcribing"
	// StageSummarizing means the transcript is being summarized and
	// keyword-tagged by the language model.
	StageSummarizing ItemStage = "summarizing"
	// StageCompleted means all processing finished successfully.
	StageCompleted ItemStage = "completed"
	// StageFailed means processing stopped on a non-recoverable error.
	StageFailed ItemStage = "failed"
	// StageUnavailable means the source rejected the download for
	// content reasons (removed, private, region-locked, paywalled), so
	// retrying is pointless.
	StageUnavailable ItemStage = "unavailable"
)

// Progress milestones on the 0-100 scale shown to clients. Each stage
// owns a fixed band so progress never moves backwards across a stage
// transition.
const (
	// ProgressDownloaded is reached when the media file is on disk.
	ProgressDownloaded = 25.0
	// ProgressConverted is reached when audio extraction finished.
	ProgressConverted = 50.0
	// ProgressASRStarted marks the start of speech recognition within
	// the transcribing band.
	ProgressASRStarted = 60.0
	// ProgressASRDone marks the end of speech recognition; transcript
	// formatting happens between here and ProgressTranscribed.
	ProgressASRDone = 90.0
	// ProgressTranscribed is reached when the formatted transcript has
	// been written to storage.
	ProgressTranscribed = 95.0
	// ProgressComplete is the final value; only completed items carry it.
	ProgressComplete = 100.0
)

// legacyStageNames maps stage labels written by earlier releases (which
// stored them uppercase) to the canonical lowercase form.
var legacyStageNames = map[string]ItemStage{
	"PENDING":      StagePending,
	"DOWNLOADING":  StageDownloading,
	"CONVERTING":   StageConverting,
	"TRANSCRIBING": StageTranscribing,
	"SUMMARIZING":  StageSummarizing,
	"COMPLETED":    StageCompleted,
	"FAILED":       StageFailed,
	"UNAVAILABLE":  StageUnavailable,
}

// ParseItemStage converts a stage label into an ItemStage, folding the
// uppercase labels older databases may still contain.
func ParseItemStage(s string) (ItemStage, error) {
	stage := ItemStage(s)
	if stage.Valid() {
		return stage, nil
	}
	if folded, ok := legacyStageNames[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return folded, nil
	}
	return "", fmt.Errorf("unknown item stage %q", s)
}

// Valid reports whether the stage is one of the defined values.
func (s ItemStage) Valid() bool {
	switch s {
	case StagePending, StageDownloading, StageConverting, StageTranscribing,
		StageSummarizing, StageCompleted, StageFailed, StageUnavailable:
		return true
	}
	return false
}

// IsTerminal reports whether the stage ends processing for good.
func (s ItemStage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageUnavailable
}

// IsInFlight reports whether a worker currently owns the item.
func (s ItemStage) IsInFlight() bool {
	switch s {
	case StageDownloading, StageConverting, StageTranscribing, StageSummarizing:
		return true
	}
	return false
}

func (s ItemStage) String() string {
	return string(s)
}

// TranscriptUnavailable is stored as the transcript body when speech
// recognition failed permanently but the item was allowed to continue.
const TranscriptUnavailable = "Transcription unavailable (runner failed or timeout)"

// Item is a single video queued for download, transcription and
// summarization. URL and UserID identify it for deduplication; the
// remaining columns fill in as the pipeline advances.
type Item struct {
	BaseModel

	UserID ULID   `gorm:"not null;size:26;index:idx_items_user_url" json:"user_id"`
	URL    string `gorm:"not null;size:2048;index:idx_items_user_url" json:"url"`
	// SourceVideoID is the canonical video identifier parsed from the
	// URL, used to fold duplicate submissions of the same video under
	// different URL shapes.
	SourceVideoID string `gorm:"size:64;index" json:"source_video_id,omitempty"`

	Stage    ItemStage `gorm:"not null;size:20;default:'pending';index" json:"stage"`
	Progress float64   `gorm:"not null;default:0" json:"progress"`

	// IsPlaylist marks container URLs (playlists, channel pages) whose
	// entries were expanded into separate items; the container itself
	// skips transcription and summarization.
	IsPlaylist bool `gorm:"not null;default:false" json:"is_playlist"`

	Title           string  `gorm:"size:1024" json:"title,omitempty"`
	Uploader        string  `gorm:"size:512" json:"uploader,omitempty"`
	ChannelID       string  `gorm:"size:64;index" json:"channel_id,omitempty"`
	ChannelTitle    string  `gorm:"size:512" json:"channel_title,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	UploadDate      string  `gorm:"size:16" json:"upload_date,omitempty"`
	ViewCount       int64   `json:"view_count,omitempty"`
	LikeCount       int64   `json:"like_count,omitempty"`

	ThumbnailURL  string `gorm:"size:2048" json:"thumbnail_url,omitempty"`
	ThumbnailPath string `gorm:"size:1024" json:"thumbnail_path,omitempty"`

	// Language is the transcript language hint or, once transcription
	// ran, the language the recognizer detected.
	Language string `gorm:"size:16" json:"language,omitempty"`

	MediaPath      string `gorm:"size:1024" json:"-"`
	AudioPath      string `gorm:"size:1024" json:"-"`
	TranscriptPath string `gorm:"size:1024" json:"transcript_path,omitempty"`

	Transcript string `gorm:"type:text" json:"transcript,omitempty"`
	Summary    string `gorm:"type:text" json:"summary,omitempty"`
	// Keywords is a comma-separated tag list produced alongside the summary.
	Keywords string `gorm:"size:2048" json:"keywords,omitempty"`

	// WatchPositionSeconds is the client's last reported playback
	// offset. Last writer wins; the server does not arbitrate between
	// devices.
	WatchPositionSeconds float64 `gorm:"not null;default:0" json:"watch_position_seconds"`
	ReadCount            int64   `gorm:"not null;default:0" json:"read_count"`

	ErrorMessage string `gorm:"size:4096" json:"error_message,omitempty"`

	DownloadedAt *Time `json:"downloaded_at,omitempty"`
	CompletedAt  *Time `json:"completed_at,omitempty"`

	// SubscriptionID links items discovered by the channel poller back
	// to the subscription that found them.
	SubscriptionID *ULID `gorm:"size:26;index" json:"subscription_id,omitempty"`
}

// TableName returns the database table name.
func (Item) TableName() string {
	return "items"
}

// SetStage moves the item to a stage and pins progress to the floor of
// that stage's band, so progress never regresses on a retry.
func (i *Item) SetStage(stage ItemStage, progress float64) {
	i.Stage = stage
	if progress > i.Progress {
		i.Progress = progress
	}
}

// MarkCompleted finalizes the item. Progress is forced to 100 so the
// two fields can never disagree.
func (i *Item) MarkCompleted() {
	now := Now()
	i.Stage = StageCompleted
	i.Progress = ProgressComplete
	i.CompletedAt = &now
	i.ErrorMessage = ""
}

// MarkFailed parks the item in the failed terminal stage. Progress is
// left where it was so the UI shows how far processing got.
func (i *Item) MarkFailed(msg string) {
	i.Stage = StageFailed
	i.ErrorMessage = truncateError(msg)
}

// MarkUnavailable parks the item in the unavailable terminal stage,
// used when the source itself rejected the download.
func (i *Item) MarkUnavailable(msg string) {
	i.Stage = StageUnavailable
	i.ErrorMessage = truncateError(msg)
}

// HasTranscript reports whether a usable transcript was produced.
// The unavailability sentinel does not count.
func (i *Item) HasTranscript() bool {
	return i.Transcript != "" && i.Transcript != TranscriptUnavailable
}

// Validate checks model invariants before persistence.
func (i *Item) Validate() error {
	if i.URL == "" {
		return fmt.Errorf("item URL is required")
	}
	if i.UserID.IsZero() {
		return fmt.Errorf("item user ID is required")
	}
	if !i.Stage.Valid() {
		return fmt.Errorf("invalid item stage: %s", i.Stage)
	}
	if i.Progress < 0 || i.Progress > 100 {
		return fmt.Errorf("item progress out of range: %f", i.Progress)
	}
	if i.Stage == StageCompleted && i.Progress != ProgressComplete {
		return fmt.Errorf("completed item must carry progress 100, got %f", i.Progress)
	}
	return nil
}

// BeforeCreate validates the item and assigns defaults.
func (i *Item) BeforeCreate(tx *gorm.DB) error {
	if err := i.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if i.Stage == "" {
		i.Stage = StagePending
	}
	return i.Validate()
}

// BeforeUpdate validates the item before saving changes.
func (i *Item) BeforeUpdate(tx *gorm.DB) error {
	return i.Validate()
}

func truncateError(msg string) string {
	const max = 4096
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}

// videoIDPattern matches the 11-character identifiers used by the
// supported video platform.
var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ExtractVideoID pulls the canonical video identifier out of a watch
// URL in any of its common shapes (watch?v=, youtu.be/, /shorts/,
// /embed/, /live/). It returns the empty string when the URL carries no
// recognizable single-video identifier, which is the case for playlist
// and channel URLs.
func ExtractVideoID(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if videoIDPattern.MatchString(id) {
			return id
		}
		return ""
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if id := u.Query().Get("v"); videoIDPattern.MatchString(id) {
			return id
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 2 {
			switch parts[0] {
			case "shorts", "embed", "live", "v":
				if videoIDPattern.MatchString(parts[1]) {
					return parts[1]
				}
			}
		}
	}
	return ""
}

// IsPlaylistURL reports whether the URL names a playlist or channel
// container rather than a single video.
func IsPlaylistURL(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != "youtube.com" && host != "m.youtube.com" && host != "music.youtube.com" {
		return false
	}
	path := strings.Trim(u.Path, "/")
	if strings.HasPrefix(path, "playlist") {
		return true
	}
	if u.Query().Get("list") != "" && u.Query().Get("v") == "" {
		return true
	}
	if strings.HasPrefix(path, "@") || strings.HasPrefix(path, "channel/") ||
		strings.HasPrefix(path, "c/") || strings.HasPrefix(path, "user/") {
		return true
	}
	return false
}
