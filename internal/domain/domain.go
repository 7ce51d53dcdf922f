package domain

import (
	"errors"
	"time"
)

type TaskKind string

const (
	KindVideoSwap    TaskKind = "video_swap"
	KindPhotoSwap    TaskKind = "photo_swap"
	KindImageEnhance TaskKind = "image_enhance"
)

func (k TaskKind) Valid() bool {
	switch k {
	case KindVideoSwap, KindPhotoSwap, KindImageEnhance:
		return true
	}
	return false
}

// NeedsSecondary reports whether the kind requires a second input slot
// (the source face image) on top of the primary one.
func (k TaskKind) NeedsSecondary() bool {
	return k == KindVideoSwap || k == KindPhotoSwap
}

// PrimaryClass is the media class the primary slot accepts.
func (k TaskKind) PrimaryClass() MediaClass {
	if k == KindVideoSwap {
		return MediaVideo
	}
	return MediaPhoto
}

// OutputClass is the media class of the delivered result.
func (k TaskKind) OutputClass() MediaClass {
	if k == KindVideoSwap {
		return MediaVideo
	}
	return MediaPhoto
}

type MediaClass string

const (
	MediaVideo MediaClass = "video"
	MediaPhoto MediaClass = "photo"
)

type Stage string

const (
	StageAwaitingPrimary   Stage = "awaiting_primary"
	StageAwaitingSecondary Stage = "awaiting_secondary"
	StageSubmitted         Stage = "submitted"
)

const (
	SlotPrimary   = "primary"
	SlotSecondary = "secondary"
)

// MaxClipSeconds bounds the processed portion of a target video.
const MaxClipSeconds = 60

// ConversationState is the single in-progress task of one user. It lives in
// the state store under the user id with a TTL, so an abandoned conversation
// expires on its own.
type ConversationState struct {
	Kind   TaskKind          `json:"task_kind"`
	Stage  Stage             `json:"stage"`
	Inputs map[string]string `json:"inputs"`

	// DurationSeconds is captured at intake for video targets, clamped to
	// MaxClipSeconds, and immutable afterwards.
	DurationSeconds int `json:"duration_seconds,omitempty"`

	// PrimaryMime is the declared content type of the primary input, used to
	// pick the upload extension.
	PrimaryMime string `json:"primary_mime,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// BlobHandles lists every blob handle the conversation owns, in slot order.
func (s ConversationState) BlobHandles() []string {
	var handles []string
	if h, ok := s.Inputs[SlotPrimary]; ok && h != "" {
		handles = append(handles, h)
	}
	if h, ok := s.Inputs[SlotSecondary]; ok && h != "" {
		handles = append(handles, h)
	}
	return handles
}

type EventType string

const (
	EventTaskStart         EventType = "task_start"
	EventMedia             EventType = "media"
	EventText              EventType = "text"
	EventCancel            EventType = "cancel"
	EventMembershipRecheck EventType = "membership_recheck"
)

// Event is one inbound chat event, decoded from the gateway subject.
type Event struct {
	Type   EventType `json:"type"`
	UserID int64     `json:"user_id"`

	// task_start
	Kind TaskKind `json:"kind,omitempty"`

	// media
	MediaClass      MediaClass `json:"media_class,omitempty"`
	BlobRef         string     `json:"blob_ref,omitempty"`
	MimeType        string     `json:"mime_type,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`

	// text
	Text string `json:"text,omitempty"`

	// user profile, present on task_start
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// FileRef addresses a deliverable artifact: either a remote URL the transport
// can re-host or a handle into the local blob store. Exactly one is set.
type FileRef struct {
	URL        string `json:"url,omitempty"`
	BlobHandle string `json:"blob_handle,omitempty"`
}

// User is the chat identity attached to inbound events.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
}

// JobRequest parameterizes one execution of the external job client.
type JobRequest struct {
	Kind            TaskKind
	Primary         string // blob handle
	Secondary       string // blob handle, empty for single-input kinds
	PrimaryMime     string
	DurationSeconds int
}

var (
	ErrUnknownKind  = errors.New("unknown task kind")
	ErrBlobNotFound = errors.New("blob not found")
	ErrUserNotFound = errors.New("user not found")
)
