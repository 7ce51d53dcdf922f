// Package usecase holds the conversation state machine: it interprets one
// inbound chat event against the user's current state, decides the visible
// reply and the state transition, and hands finished conversations to a
// background submit/poll/deliver unit.
package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/you-humble/swapbot/internal/domain"

	"golang.org/x/sync/semaphore"
)

type StateStore interface {
	Get(ctx context.Context, userID int64) (domain.ConversationState, bool, error)
	Set(ctx context.Context, userID int64, st domain.ConversationState) error
	Delete(ctx context.Context, userID int64) error
}

type BlobStore interface {
	Save(ctx context.Context, reader io.Reader, handle string) (int64, error)
	Open(ctx context.Context, handle string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, handle string) error
}

type JobClient interface {
	Execute(ctx context.Context, req domain.JobRequest) (string, error)
	FetchOutput(ctx context.Context, outputURL string) (io.ReadCloser, error)
}

type Messenger interface {
	SendText(ctx context.Context, userID int64, text string) (string, error)
	SendFile(ctx context.Context, userID int64, class domain.MediaClass, file domain.FileRef, caption string) error
	EditMessage(ctx context.Context, userID int64, messageRef, text string) error
	DeleteMessage(ctx context.Context, userID int64, messageRef string) error
}

type Gate interface {
	IsMember(ctx context.Context, userID int64) (bool, error)
}

type Accounts interface {
	UpsertUser(ctx context.Context, u domain.User) error
	RecordUsage(ctx context.Context, userID int64, kind domain.TaskKind) error
	IsEntitled(ctx context.Context, userID int64, kind domain.TaskKind) (bool, error)
}

// OutputArchiver takes ownership of a delivered local output blob. Enqueue
// returns false when the handle was not accepted and the caller must release
// it itself.
type OutputArchiver interface {
	Enqueue(handle string) bool
}

type engine struct {
	deliveryMode string

	states   StateStore
	blobs    BlobStore
	jobs     JobClient
	msgr     Messenger
	gate     Gate
	accounts Accounts
	archive  OutputArchiver // optional

	// Inbound events for one user never interleave: each user has a lock
	// held for the duration of a transition.
	mu    sync.Mutex
	users map[int64]*sync.Mutex

	sem    *semaphore.Weighted
	jobsWG sync.WaitGroup
}

func New(
	deliveryMode string,
	maxConcurrentJobs int64,
	states StateStore,
	blobs BlobStore,
	jobs JobClient,
	msgr Messenger,
	gate Gate,
	accounts Accounts,
	archive OutputArchiver,
) *engine {
	if maxConcurrentJobs <= 0 {
		maxConcurrentJobs = 32
	}

	return &engine{
		deliveryMode: deliveryMode,
		states:       states,
		blobs:        blobs,
		jobs:         jobs,
		msgr:         msgr,
		gate:         gate,
		accounts:     accounts,
		archive:      archive,
		users:        make(map[int64]*sync.Mutex),
		sem:          semaphore.NewWeighted(maxConcurrentJobs),
	}
}

// HandleEvent processes one inbound event. The returned error means the
// event could not be interpreted at all (store failure) and may be
// redelivered; user-facing outcomes are reported through the messenger.
func (e *engine) HandleEvent(ctx context.Context, ev domain.Event) error {
	lock := e.userLock(ev.UserID)
	lock.Lock()
	defer lock.Unlock()

	switch ev.Type {
	case domain.EventTaskStart:
		return e.handleTaskStart(ctx, ev)
	case domain.EventMedia:
		return e.handleMedia(ctx, ev)
	case domain.EventText:
		return e.handleText(ctx, ev)
	case domain.EventCancel:
		return e.handleCancel(ctx, ev)
	case domain.EventMembershipRecheck:
		return e.handleRecheck(ctx, ev)
	default:
		slog.Warn("unknown event type", slog.String("type", string(ev.Type)))
		return nil
	}
}

// Wait blocks until every dispatched background unit has finished.
func (e *engine) Wait() {
	e.jobsWG.Wait()
}

func (e *engine) handleTaskStart(ctx context.Context, ev domain.Event) error {
	if !ev.Kind.Valid() {
		e.sendText(ctx, ev.UserID, msgWelcome)
		return nil
	}

	if err := e.accounts.UpsertUser(ctx, domain.User{
		ID:        ev.UserID,
		FirstName: ev.FirstName,
		LastName:  ev.LastName,
		Username:  ev.Username,
	}); err != nil {
		slog.Warn("upsert user", slog.Int64("user_id", ev.UserID), slog.String("error", err.Error()))
	}

	if !e.isMember(ctx, ev.UserID) {
		e.sendText(ctx, ev.UserID, msgMembership)
		return nil
	}

	entitled, err := e.accounts.IsEntitled(ctx, ev.UserID, ev.Kind)
	if err != nil {
		slog.Warn("entitlement check", slog.Int64("user_id", ev.UserID), slog.String("error", err.Error()))
		entitled = true
	}
	if !entitled {
		e.sendText(ctx, ev.UserID, msgLimitReached)
		return nil
	}

	// A new task supersedes an unfinished one; release its blobs first so
	// nothing leaks until the janitor.
	if prev, ok, err := e.states.Get(ctx, ev.UserID); err != nil {
		return err
	} else if ok {
		e.releaseBlobs(ctx, prev.BlobHandles())
	}

	st := domain.ConversationState{
		Kind:      ev.Kind,
		Stage:     domain.StageAwaitingPrimary,
		Inputs:    map[string]string{},
		CreatedAt: time.Now(),
	}
	if err := e.states.Set(ctx, ev.UserID, st); err != nil {
		return err
	}

	e.sendText(ctx, ev.UserID, primaryPrompt(ev.Kind))
	return nil
}

func (e *engine) handleMedia(ctx context.Context, ev domain.Event) error {
	st, ok, err := e.states.Get(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if !ok {
		e.discardBlob(ctx, ev.BlobRef)
		if !e.isMember(ctx, ev.UserID) {
			e.sendText(ctx, ev.UserID, msgMembership)
		} else {
			e.sendText(ctx, ev.UserID, msgPleaseStart)
		}
		return nil
	}

	switch st.Stage {
	case domain.StageAwaitingPrimary:
		return e.acceptPrimary(ctx, ev, st)
	case domain.StageAwaitingSecondary:
		return e.acceptSecondary(ctx, ev, st)
	case domain.StageSubmitted:
		e.discardBlob(ctx, ev.BlobRef)
		e.sendText(ctx, ev.UserID, msgAlreadyRunning)
		return nil
	default:
		slog.Error("state in unknown stage",
			slog.Int64("user_id", ev.UserID),
			slog.String("stage", string(st.Stage)),
		)
		return nil
	}
}

func (e *engine) acceptPrimary(ctx context.Context, ev domain.Event, st domain.ConversationState) error {
	if ev.MediaClass != st.Kind.PrimaryClass() || ev.BlobRef == "" {
		e.discardBlob(ctx, ev.BlobRef)
		e.sendText(ctx, ev.UserID, msgInvalidFile)
		return nil
	}

	st.Inputs[domain.SlotPrimary] = ev.BlobRef
	st.PrimaryMime = ev.MimeType
	if st.Kind == domain.KindVideoSwap {
		st.DurationSeconds = min(ev.DurationSeconds, domain.MaxClipSeconds)
		if st.DurationSeconds <= 0 {
			st.DurationSeconds = domain.MaxClipSeconds
		}
	}

	if st.Kind.NeedsSecondary() {
		st.Stage = domain.StageAwaitingSecondary
		if err := e.states.Set(ctx, ev.UserID, st); err != nil {
			return err
		}
		e.sendText(ctx, ev.UserID, msgSendSourceFace)
		return nil
	}

	return e.submit(ctx, ev.UserID, st)
}

func (e *engine) acceptSecondary(ctx context.Context, ev domain.Event, st domain.ConversationState) error {
	// The source face is a still image for every supported kind.
	if ev.MediaClass != domain.MediaPhoto || ev.BlobRef == "" {
		e.discardBlob(ctx, ev.BlobRef)
		e.sendText(ctx, ev.UserID, msgInvalidSource)
		return nil
	}

	st.Inputs[domain.SlotSecondary] = ev.BlobRef

	return e.submit(ctx, ev.UserID, st)
}

// submit moves the conversation to the submitted stage, acknowledges the
// user and detaches the long-running part, so the event handler returns
// while the job is still in flight.
func (e *engine) submit(ctx context.Context, userID int64, st domain.ConversationState) error {
	st.Stage = domain.StageSubmitted
	if err := e.states.Set(ctx, userID, st); err != nil {
		return err
	}

	ackRef, err := e.msgr.SendText(ctx, userID, msgProcessing)
	if err != nil {
		slog.Warn("send processing ack",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	e.jobsWG.Add(1)
	go e.runJob(userID, ackRef)

	return nil
}

func (e *engine) handleText(ctx context.Context, ev domain.Event) error {
	_, ok, err := e.states.Get(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if ok {
		e.sendText(ctx, ev.UserID, msgSendOrCancel)
		return nil
	}

	if !e.isMember(ctx, ev.UserID) {
		e.sendText(ctx, ev.UserID, msgMembership)
		return nil
	}

	e.sendText(ctx, ev.UserID, msgWelcome)
	return nil
}

func (e *engine) handleCancel(ctx context.Context, ev domain.Event) error {
	st, ok, err := e.states.Get(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if ok {
		e.releaseBlobs(ctx, st.BlobHandles())
		if err := e.states.Delete(ctx, ev.UserID); err != nil {
			return err
		}
	}

	e.sendText(ctx, ev.UserID, msgCancel)
	return nil
}

func (e *engine) handleRecheck(ctx context.Context, ev domain.Event) error {
	if e.isMember(ctx, ev.UserID) {
		e.sendText(ctx, ev.UserID, msgMemberVerified)
	} else {
		e.sendText(ctx, ev.UserID, msgMemberMissing)
	}
	return nil
}

// isMember treats a failed gate check as "not a member", matching the
// membership prompt the user would get anyway.
func (e *engine) isMember(ctx context.Context, userID int64) bool {
	member, err := e.gate.IsMember(ctx, userID)
	if err != nil {
		slog.Warn("membership check",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return member
}

func (e *engine) sendText(ctx context.Context, userID int64, text string) {
	if _, err := e.msgr.SendText(ctx, userID, text); err != nil {
		slog.Warn("send text",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// discardBlob releases an uploaded blob that was not accepted into any
// conversation slot, so rejected files never wait for the janitor.
func (e *engine) discardBlob(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	if err := e.blobs.Delete(ctx, handle); err != nil {
		slog.Warn("discard rejected blob",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
	}
}

func (e *engine) releaseBlobs(ctx context.Context, handles []string) {
	for _, h := range handles {
		if err := e.blobs.Delete(ctx, h); err != nil {
			slog.Warn("release blob",
				slog.String("handle", h),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *engine) userLock(userID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.users[userID]
	if !ok {
		lock = &sync.Mutex{}
		e.users[userID] = lock
	}
	return lock
}

func primaryPrompt(kind domain.TaskKind) string {
	switch kind {
	case domain.KindVideoSwap:
		return msgSendTargetVideo
	case domain.KindPhotoSwap:
		return msgSendTargetPhoto
	default:
		return msgSendEnhance
	}
}
