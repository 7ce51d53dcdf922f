package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you-humble/swapbot/internal/domain"
	filestore "github.com/you-humble/swapbot/internal/infra/store/file"
	statestore "github.com/you-humble/swapbot/internal/infra/store/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFile struct {
	userID  int64
	class   domain.MediaClass
	file    domain.FileRef
	caption string
}

type fakeMessenger struct {
	mu      sync.Mutex
	seq     int
	texts   []string
	files   []sentFile
	edits   []string
	deletes []string
}

func (m *fakeMessenger) SendText(ctx context.Context, userID int64, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.texts = append(m.texts, text)
	return fmt.Sprintf("msg-%d", m.seq), nil
}

func (m *fakeMessenger) SendFile(ctx context.Context, userID int64, class domain.MediaClass, file domain.FileRef, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = append(m.files, sentFile{userID: userID, class: class, file: file, caption: caption})
	return nil
}

func (m *fakeMessenger) EditMessage(ctx context.Context, userID int64, messageRef, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, text)
	return nil
}

func (m *fakeMessenger) DeleteMessage(ctx context.Context, userID int64, messageRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, messageRef)
	return nil
}

func (m *fakeMessenger) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func (m *fakeMessenger) sentFiles() []sentFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentFile(nil), m.files...)
}

func (m *fakeMessenger) editedTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.edits...)
}

type fakeJobClient struct {
	mu        sync.Mutex
	reqs      []domain.JobRequest
	outputURL string
	err       error
	output    string

	// block, when set, stalls Execute until the channel is closed
	block chan struct{}
}

func (j *fakeJobClient) Execute(ctx context.Context, req domain.JobRequest) (string, error) {
	j.mu.Lock()
	j.reqs = append(j.reqs, req)
	block := j.block
	j.mu.Unlock()

	if block != nil {
		<-block
	}

	if j.err != nil {
		return "", j.err
	}
	return j.outputURL, nil
}

func (j *fakeJobClient) FetchOutput(ctx context.Context, outputURL string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(j.output)), nil
}

func (j *fakeJobClient) requests() []domain.JobRequest {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.JobRequest(nil), j.reqs...)
}

type fakeGate struct {
	member bool
	err    error
}

func (g *fakeGate) IsMember(ctx context.Context, userID int64) (bool, error) {
	return g.member, g.err
}

type fakeAccounts struct {
	mu       sync.Mutex
	entitled bool
	users    []domain.User
	usage    []domain.TaskKind
}

func (a *fakeAccounts) UpsertUser(ctx context.Context, u domain.User) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users = append(a.users, u)
	return nil
}

func (a *fakeAccounts) RecordUsage(ctx context.Context, userID int64, kind domain.TaskKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage = append(a.usage, kind)
	return nil
}

func (a *fakeAccounts) IsEntitled(ctx context.Context, userID int64, kind domain.TaskKind) (bool, error) {
	return a.entitled, nil
}

func (a *fakeAccounts) recordedUsage() []domain.TaskKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.TaskKind(nil), a.usage...)
}

type fakeArchiver struct {
	mu      sync.Mutex
	accept  bool
	handles []string
}

func (f *fakeArchiver) Enqueue(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.handles = append(f.handles, handle)
	return true
}

func (f *fakeArchiver) enqueued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.handles...)
}

type fixture struct {
	engine   *engine
	states   StateStore
	blobs    BlobStore
	jobs     *fakeJobClient
	msgr     *fakeMessenger
	gate     *fakeGate
	accounts *fakeAccounts
	archive  *fakeArchiver
}

func newFixture(t *testing.T, deliveryMode string) *fixture {
	t.Helper()

	blobs, err := filestore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		states:   statestore.NewMemoryStateStore(time.Hour),
		blobs:    blobs,
		jobs:     &fakeJobClient{outputURL: "https://cdn.example/output.mp4", output: "result-bytes"},
		msgr:     &fakeMessenger{},
		gate:     &fakeGate{member: true},
		accounts: &fakeAccounts{entitled: true},
		archive:  &fakeArchiver{accept: true},
	}
	f.engine = New("url", 4, f.states, f.blobs, f.jobs, f.msgr, f.gate, f.accounts, f.archive)
	if deliveryMode == "download" {
		f.engine = New("download", 4, f.states, f.blobs, f.jobs, f.msgr, f.gate, f.accounts, f.archive)
	}
	return f
}

func (f *fixture) saveBlob(t *testing.T, handle string) {
	t.Helper()
	_, err := f.blobs.Save(context.Background(), strings.NewReader("payload"), handle)
	require.NoError(t, err)
}

func (f *fixture) blobExists(handle string) bool {
	rc, _, err := f.blobs.Open(context.Background(), handle)
	if err != nil {
		return false
	}
	rc.Close()
	return true
}

func (f *fixture) handle(t *testing.T, ev domain.Event) {
	t.Helper()
	require.NoError(t, f.engine.HandleEvent(context.Background(), ev))
}

const userID int64 = 1001

func TestVideoSwapHappyPath(t *testing.T) {
	f := newFixture(t, "url")
	f.saveBlob(t, "clip.mp4")
	f.saveBlob(t, "face.png")

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindVideoSwap, Username: "alice"})
	f.handle(t, domain.Event{
		Type:            domain.EventMedia,
		UserID:          userID,
		MediaClass:      domain.MediaVideo,
		BlobRef:         "clip.mp4",
		MimeType:        "video/mp4",
		DurationSeconds: 90,
	})
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaPhoto, BlobRef: "face.png"})

	f.engine.Wait()

	reqs := f.jobs.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.KindVideoSwap, reqs[0].Kind)
	assert.Equal(t, "clip.mp4", reqs[0].Primary)
	assert.Equal(t, "face.png", reqs[0].Secondary)
	assert.Equal(t, domain.MaxClipSeconds, reqs[0].DurationSeconds)

	files := f.msgr.sentFiles()
	require.Len(t, files, 1)
	assert.Equal(t, domain.MediaVideo, files[0].class)
	assert.Equal(t, "https://cdn.example/output.mp4", files[0].file.URL)
	assert.Equal(t, msgSuccess, files[0].caption)

	assert.Equal(t, []domain.TaskKind{domain.KindVideoSwap}, f.accounts.recordedUsage())

	texts := f.msgr.sentTexts()
	assert.Contains(t, texts, msgSendTargetVideo)
	assert.Contains(t, texts, msgSendSourceFace)
	assert.Contains(t, texts, msgProcessing)

	_, ok, err := f.states.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, ok, "state cleared after delivery")

	assert.False(t, f.blobExists("clip.mp4"), "input blobs released")
	assert.False(t, f.blobExists("face.png"), "input blobs released")
}

func TestImageEnhanceSubmitsAfterSingleInput(t *testing.T) {
	f := newFixture(t, "url")
	f.saveBlob(t, "photo.png")

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindImageEnhance})
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaPhoto, BlobRef: "photo.png", MimeType: "image/png"})

	f.engine.Wait()

	reqs := f.jobs.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.KindImageEnhance, reqs[0].Kind)
	assert.Empty(t, reqs[0].Secondary)

	require.Len(t, f.msgr.sentFiles(), 1)
	assert.Equal(t, domain.MediaPhoto, f.msgr.sentFiles()[0].class)
}

func TestJobFailureNotifiesAndCleansUp(t *testing.T) {
	f := newFixture(t, "url")
	f.jobs.err = &domain.JobFailedError{Status: "failed", Message: "no face detected"}
	f.saveBlob(t, "photo.png")

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindImageEnhance})
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaPhoto, BlobRef: "photo.png", MimeType: "image/png"})

	f.engine.Wait()

	assert.Empty(t, f.msgr.sentFiles())
	assert.Empty(t, f.accounts.recordedUsage(), "failed jobs never count against the quota")
	assert.Contains(t, f.msgr.editedTexts(), msgError, "processing ack replaced with the failure text")

	_, ok, err := f.states.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.False(t, f.blobExists("photo.png"))
}

func TestMediaWithoutStatePrompts(t *testing.T) {
	f := newFixture(t, "url")
	f.saveBlob(t, "x.png")

	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaPhoto, BlobRef: "x.png"})

	assert.Equal(t, []string{msgPleaseStart}, f.msgr.sentTexts())
	assert.Empty(t, f.jobs.requests())
	assert.False(t, f.blobExists("x.png"), "orphan blob released inline")
}

func TestInvalidPrimaryRejected(t *testing.T) {
	f := newFixture(t, "url")
	f.saveBlob(t, "photo.png")

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindVideoSwap})
	// a photo where a video is expected
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaPhoto, BlobRef: "photo.png"})

	assert.Contains(t, f.msgr.sentTexts(), msgInvalidFile)
	assert.Empty(t, f.jobs.requests())
	assert.False(t, f.blobExists("photo.png"), "rejected blob released inline")

	st, ok, err := f.states.Get(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StageAwaitingPrimary, st.Stage, "stage unchanged after rejected input")
}

func TestSecondaryMustBePhoto(t *testing.T) {
	f := newFixture(t, "url")
	f.saveBlob(t, "clip.mp4")
	f.saveBlob(t, "another.mp4")

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindVideoSwap})
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaVideo, BlobRef: "clip.mp4", MimeType: "video/mp4"})
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaVideo, BlobRef: "another.mp4"})

	assert.Contains(t, f.msgr.sentTexts(), msgInvalidSource)
	assert.Empty(t, f.jobs.requests())
	assert.False(t, f.blobExists("another.mp4"), "rejected blob released inline")
	assert.True(t, f.blobExists("clip.mp4"), "accepted primary stays owned by the conversation")
}

func TestCancelReleasesInputs(t *testing.T) {
	f := newFixture(t, "url")
	f.saveBlob(t, "clip.mp4")

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindVideoSwap})
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaVideo, BlobRef: "clip.mp4", MimeType: "video/mp4"})
	f.handle(t, domain.Event{Type: domain.EventCancel, UserID: userID})

	assert.Contains(t, f.msgr.sentTexts(), msgCancel)
	assert.Empty(t, f.jobs.requests())
	assert.False(t, f.blobExists("clip.mp4"))

	_, ok, err := f.states.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMembershipGateBlocksTaskStart(t *testing.T) {
	f := newFixture(t, "url")
	f.gate.member = false

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindPhotoSwap})

	assert.Equal(t, []string{msgMembership}, f.msgr.sentTexts())

	_, ok, err := f.states.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, ok, "no state for gated users")
}

func TestGateErrorTreatedAsNotMember(t *testing.T) {
	f := newFixture(t, "url")
	f.gate.err = errors.New("edge unavailable")
	f.gate.member = true

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindPhotoSwap})

	assert.Equal(t, []string{msgMembership}, f.msgr.sentTexts())
}

func TestDailyLimitBlocksTaskStart(t *testing.T) {
	f := newFixture(t, "url")
	f.accounts.entitled = false

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindVideoSwap})

	assert.Equal(t, []string{msgLimitReached}, f.msgr.sentTexts())

	_, ok, err := f.states.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMediaDuringSubmittedStage(t *testing.T) {
	f := newFixture(t, "url")
	f.jobs.block = make(chan struct{})
	f.saveBlob(t, "photo.png")

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindImageEnhance})
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaPhoto, BlobRef: "photo.png", MimeType: "image/png"})

	f.saveBlob(t, "late.png")
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaPhoto, BlobRef: "late.png"})
	assert.Contains(t, f.msgr.sentTexts(), msgAlreadyRunning)
	assert.False(t, f.blobExists("late.png"), "late blob released inline")

	close(f.jobs.block)
	f.engine.Wait()
}

func TestCancelDuringProcessingDropsResult(t *testing.T) {
	f := newFixture(t, "url")
	f.jobs.block = make(chan struct{})
	f.saveBlob(t, "photo.png")

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindImageEnhance})
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaPhoto, BlobRef: "photo.png", MimeType: "image/png"})

	// cancel lands while the job is in flight
	f.handle(t, domain.Event{Type: domain.EventCancel, UserID: userID})

	close(f.jobs.block)
	f.engine.Wait()

	assert.Empty(t, f.msgr.sentFiles(), "result dropped after cancel")
	assert.Empty(t, f.accounts.recordedUsage())
	assert.False(t, f.blobExists("photo.png"))
}

func TestNewTaskSupersedesRunningJob(t *testing.T) {
	f := newFixture(t, "url")
	f.jobs.block = make(chan struct{})
	f.saveBlob(t, "photo.png")

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindImageEnhance})
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaPhoto, BlobRef: "photo.png", MimeType: "image/png"})

	// a fresh task start replaces the submitted conversation
	time.Sleep(5 * time.Millisecond)
	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindPhotoSwap})

	close(f.jobs.block)
	f.engine.Wait()

	st, ok, err := f.states.Get(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok, "the superseding conversation survives the old job's cleanup")
	assert.Equal(t, domain.KindPhotoSwap, st.Kind)
	assert.Equal(t, domain.StageAwaitingPrimary, st.Stage)
}

func TestDownloadModeDelivery(t *testing.T) {
	f := newFixture(t, "download")
	f.saveBlob(t, "photo.png")

	f.handle(t, domain.Event{Type: domain.EventTaskStart, UserID: userID, Kind: domain.KindImageEnhance})
	f.handle(t, domain.Event{Type: domain.EventMedia, UserID: userID, MediaClass: domain.MediaPhoto, BlobRef: "photo.png", MimeType: "image/png"})

	f.engine.Wait()

	files := f.msgr.sentFiles()
	require.Len(t, files, 1)
	assert.Empty(t, files[0].file.URL)
	require.NotEmpty(t, files[0].file.BlobHandle)

	// delivered output handed to the archiver instead of being deleted
	assert.Equal(t, []string{files[0].file.BlobHandle}, f.archive.enqueued())
	assert.True(t, f.blobExists(files[0].file.BlobHandle), "local copy stays until the archiver takes it")
}

func TestTextWithoutStateShowsWelcome(t *testing.T) {
	f := newFixture(t, "url")

	f.handle(t, domain.Event{Type: domain.EventText, UserID: userID, Text: "hello"})

	assert.Equal(t, []string{msgWelcome}, f.msgr.sentTexts())
}

func TestMembershipRecheck(t *testing.T) {
	f := newFixture(t, "url")

	f.handle(t, domain.Event{Type: domain.EventMembershipRecheck, UserID: userID})
	assert.Contains(t, f.msgr.sentTexts(), msgMemberVerified)

	f.gate.member = false
	f.handle(t, domain.Event{Type: domain.EventMembershipRecheck, UserID: userID})
	assert.Contains(t, f.msgr.sentTexts(), msgMemberMissing)
}

func TestTaskStartRecordsUser(t *testing.T) {
	f := newFixture(t, "url")

	f.handle(t, domain.Event{
		Type:      domain.EventTaskStart,
		UserID:    userID,
		Kind:      domain.KindPhotoSwap,
		FirstName: "Alice",
		Username:  "alice",
	})

	require.Len(t, f.accounts.users, 1)
	assert.Equal(t, userID, f.accounts.users[0].ID)
	assert.Equal(t, "alice", f.accounts.users[0].Username)
}
