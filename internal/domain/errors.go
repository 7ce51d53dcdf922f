package domain

import "fmt"

// SignedURLError means the remote side rejected or malformed the upload-URL
// request for one file extension.
type SignedURLError struct {
	Ext string
	Err error
}

func (e *SignedURLError) Error() string {
	return fmt.Sprintf("signed url for %q: %v", e.Ext, e.Err)
}

func (e *SignedURLError) Unwrap() error { return e.Err }

// UploadError means writing a blob to its upload target failed. The whole
// task fails, sibling uploads are not retried.
type UploadError struct {
	Slot string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Slot, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// SubmissionError means the remote side rejected the job submission.
type SubmissionError struct {
	Kind TaskKind
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Kind, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// JobFailedError means the remote side reported a terminal failure status.
type JobFailedError struct {
	Status  string
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job failed with status %q", e.Status)
	}
	return fmt.Sprintf("job failed with status %q: %s", e.Status, e.Message)
}

// PollTimeoutError means the attempt budget was exhausted without a terminal
// status.
type PollTimeoutError struct {
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("polling timed out after %d attempts", e.Attempts)
}

// DeliveryError means fetching or forwarding the output failed after the job
// itself succeeded.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver result: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
