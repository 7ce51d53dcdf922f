package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/you-humble/swapbot/internal/domain"
)

// runJob is the detached submit/poll/deliver unit. It re-reads the state on
// entry instead of trusting the snapshot the handler had, so a cancel that
// lands before this point wins: absent (or superseded) state aborts silently.
func (e *engine) runJob(userID int64, ackRef string) {
	defer e.jobsWG.Done()

	// The unit outlives the inbound event, so it carries its own context.
	ctx := context.Background()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	st, ok, err := e.states.Get(ctx, userID)
	if err != nil {
		slog.Error("job: read state", slog.Int64("user_id", userID), slog.String("error", err.Error()))
		return
	}
	if !ok || st.Stage != domain.StageSubmitted {
		slog.Info("job: state gone before start, aborting", slog.Int64("user_id", userID))
		return
	}

	l := slog.With(
		slog.Int64("user_id", userID),
		slog.String("kind", string(st.Kind)),
	)

	var outputHandle string
	defer func() {
		e.cleanup(ctx, userID, st, outputHandle)
	}()

	l.Info("job: starting")

	outputURL, err := e.jobs.Execute(ctx, jobRequest(st))
	if err != nil {
		l.Error("job: execute", slog.String("error", err.Error()))
		e.notifyFailure(ctx, userID, ackRef)
		return
	}

	// A cancel after submission does not abort the remote job, but it makes
	// delivery a no-op.
	if _, ok, err := e.states.Get(ctx, userID); err != nil || !ok {
		l.Info("job: canceled during processing, dropping result")
		return
	}

	fileRef, handle, err := e.prepareDelivery(ctx, userID, st, outputURL)
	if err != nil {
		l.Error("job: prepare delivery", slog.String("error", err.Error()))
		e.notifyFailure(ctx, userID, ackRef)
		return
	}
	outputHandle = handle

	if err := e.msgr.SendFile(ctx, userID, st.Kind.OutputClass(), fileRef, msgSuccess); err != nil {
		// The remote job succeeded, but the user sees a generic failure —
		// an accepted loss.
		l.Error("job: deliver", slog.String("error", (&domain.DeliveryError{Err: err}).Error()))
		e.notifyFailure(ctx, userID, ackRef)
		return
	}

	if err := e.accounts.RecordUsage(ctx, userID, st.Kind); err != nil {
		l.Warn("job: record usage", slog.String("error", err.Error()))
	}

	if ackRef != "" {
		if err := e.msgr.DeleteMessage(ctx, userID, ackRef); err != nil {
			l.Warn("job: delete ack message", slog.String("error", err.Error()))
		}
	}

	l.Info("job: done")
}

// prepareDelivery turns the remote output URL into whatever the transport
// needs: the URL itself, or a local blob handle after pulling the bytes.
func (e *engine) prepareDelivery(ctx context.Context, userID int64, st domain.ConversationState, outputURL string) (domain.FileRef, string, error) {
	if e.deliveryMode != "download" {
		return domain.FileRef{URL: outputURL}, "", nil
	}

	rc, err := e.jobs.FetchOutput(ctx, outputURL)
	if err != nil {
		return domain.FileRef{}, "", err
	}
	defer rc.Close()

	ext := "png"
	if st.Kind.OutputClass() == domain.MediaVideo {
		ext = "mp4"
	}
	handle := fmt.Sprintf("out_%d_%d.%s", userID, time.Now().UnixNano(), ext)

	if _, err := e.blobs.Save(ctx, rc, handle); err != nil {
		return domain.FileRef{}, "", &domain.DeliveryError{Err: err}
	}

	return domain.FileRef{BlobHandle: handle}, handle, nil
}

// notifyFailure replaces the "processing" acknowledgement with the generic
// failure text. Notification errors are swallowed: the message may already
// be gone, and cleanup must not be disturbed.
func (e *engine) notifyFailure(ctx context.Context, userID int64, ackRef string) {
	if ackRef != "" {
		if err := e.msgr.EditMessage(ctx, userID, ackRef, msgError); err == nil {
			return
		}
	}
	if _, err := e.msgr.SendText(ctx, userID, msgError); err != nil {
		slog.Warn("notify failure",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// cleanup releases every blob the conversation owns and clears the state
// entry. It runs on every outcome and tolerates running twice: deletes of
// already-released handles and absent state are no-ops.
func (e *engine) cleanup(ctx context.Context, userID int64, st domain.ConversationState, outputHandle string) {
	e.releaseBlobs(ctx, st.BlobHandles())

	if outputHandle != "" {
		archived := e.archive != nil && e.archive.Enqueue(outputHandle)
		if !archived {
			if err := e.blobs.Delete(ctx, outputHandle); err != nil {
				slog.Warn("release output blob",
					slog.String("handle", outputHandle),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	// The state may have been replaced by a newer task start while this
	// unit ran; only remove the entry this unit owns.
	cur, ok, err := e.states.Get(ctx, userID)
	if err != nil {
		slog.Warn("cleanup: read state", slog.Int64("user_id", userID), slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	if cur.Stage == domain.StageSubmitted && cur.CreatedAt.Equal(st.CreatedAt) {
		if err := e.states.Delete(ctx, userID); err != nil {
			slog.Warn("cleanup: delete state", slog.Int64("user_id", userID), slog.String("error", err.Error()))
		}
	}
}

func jobRequest(st domain.ConversationState) domain.JobRequest {
	return domain.JobRequest{
		Kind:            st.Kind,
		Primary:         st.Inputs[domain.SlotPrimary],
		Secondary:       st.Inputs[domain.SlotSecondary],
		PrimaryMime:     st.PrimaryMime,
		DurationSeconds: st.DurationSeconds,
	}
}
