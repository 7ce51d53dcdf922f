// Package swapapi drives the remote face-processing service through its
// asynchronous protocol: acquire signed upload URLs, upload the inputs,
// submit a task and poll its status until a terminal answer.
package swapapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/you-humble/swapbot/internal/domain"
	"github.com/you-humble/swapbot/internal/poll"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const successCode = 100000

type BlobOpener interface {
	Open(ctx context.Context, handle string) (io.ReadCloser, int64, error)
}

type Config struct {
	BaseURL     string
	Origin      string
	SubmitDelay time.Duration
	HTTPTimeout time.Duration

	// Poll budgets per task kind; historically video jobs get twice the
	// photo budget.
	Poll map[domain.TaskKind]poll.Policy
}

// Client is stateless across invocations: every call is parameterized by its
// arguments, so one instance serves arbitrarily many concurrent tasks.
type Client struct {
	baseURL     string
	origin      string
	submitDelay time.Duration
	policies    map[domain.TaskKind]poll.Policy

	http  *http.Client
	blobs BlobOpener
}

func NewClient(cfg Config, blobs BlobOpener) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		origin:      cfg.Origin,
		submitDelay: cfg.SubmitDelay,
		policies:    cfg.Poll,
		http:        &http.Client{Timeout: timeout},
		blobs:       blobs,
	}
}

// Execute runs one task end to end and returns the remote output URL.
func (c *Client) Execute(ctx context.Context, req domain.JobRequest) (string, error) {
	if !req.Kind.Valid() {
		return "", domain.ErrUnknownKind
	}

	// Fresh token per task; the remote side only requires it to be unique.
	token := uuid.NewString()

	primaryExt, primaryType := primaryMedia(req)

	primaryURLs, err := c.signedURL(ctx, token, primaryExt)
	if err != nil {
		return "", err
	}

	var secondaryURLs signedURLPair
	if req.Kind.NeedsSecondary() {
		secondaryURLs, err = c.signedURL(ctx, token, "png")
		if err != nil {
			return "", err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := c.upload(egCtx, primaryURLs.Put, req.Primary, primaryType); err != nil {
			return &domain.UploadError{Slot: domain.SlotPrimary, Err: err}
		}
		return nil
	})
	if req.Kind.NeedsSecondary() {
		eg.Go(func() error {
			if err := c.upload(egCtx, secondaryURLs.Put, req.Secondary, "image/png"); err != nil {
				return &domain.UploadError{Slot: domain.SlotSecondary, Err: err}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	jobID, err := c.submit(ctx, token, req, primaryURLs.Get, secondaryURLs.Get)
	if err != nil {
		return "", err
	}

	policy := c.policies[req.Kind]
	policy.Retryable = retryable

	return poll.Until(ctx, policy, func(ctx context.Context) (string, bool, error) {
		return c.status(ctx, token, req.Kind, jobID)
	})
}

// FetchOutput opens the finished artifact for download-mode delivery.
func (c *Client) FetchOutput(ctx context.Context, outputURL string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, outputURL, nil)
	if err != nil {
		return nil, &domain.DeliveryError{Err: err}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &domain.DeliveryError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &domain.DeliveryError{Err: fmt.Errorf("fetch output: status %d", resp.StatusCode)}
	}

	return resp.Body, nil
}

// Terminal job failures and unknown kinds stop polling; everything else is a
// transient transport problem that just consumes an attempt.
func retryable(err error) bool {
	var failed *domain.JobFailedError
	return !errors.As(err, &failed)
}

type signedURLPair struct {
	Put string `json:"put"`
	Get string `json:"get"`
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) signedURL(ctx context.Context, token, ext string) (signedURLPair, error) {
	resp, err := c.postJSON(ctx, token, "/api/cg/get_oss_signed_urls", map[string]any{
		"f_suffixs": []string{ext},
	})
	if err != nil {
		return signedURLPair{}, &domain.SignedURLError{Ext: ext, Err: err}
	}
	if resp.Code != successCode {
		return signedURLPair{}, &domain.SignedURLError{
			Ext: ext,
			Err: fmt.Errorf("code %d: %s", resp.Code, resp.Message),
		}
	}

	var data struct {
		OSSSignedURLs []signedURLPair `json:"oss_signed_urls"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return signedURLPair{}, &domain.SignedURLError{Ext: ext, Err: fmt.Errorf("decode: %w", err)}
	}
	if len(data.OSSSignedURLs) == 0 {
		return signedURLPair{}, &domain.SignedURLError{Ext: ext, Err: fmt.Errorf("no urls in response")}
	}

	return data.OSSSignedURLs[0], nil
}

func (c *Client) upload(ctx context.Context, putURL, handle, contentType string) error {
	rc, size, err := c.blobs.Open(ctx, handle)
	if err != nil {
		return fmt.Errorf("open blob %s: %w", handle, err)
	}
	defer rc.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, rc)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.ContentLength = size

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload status %d", resp.StatusCode)
	}

	return nil
}

func (c *Client) submit(ctx context.Context, token string, req domain.JobRequest, primaryGet, secondaryGet string) (string, error) {
	switch req.Kind {
	case domain.KindVideoSwap:
		// The remote upload acknowledgement is eventually consistent; a
		// short delay before submission avoids racing it.
		if c.submitDelay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.submitDelay):
			}
		}
		duration := req.DurationSeconds
		return c.submitTask(ctx, token, req.Kind, "/api/fs/gifvideo/mutilface", "prediction_id", map[string]any{
			"task_type":              2,
			"file_type":              "video",
			"target_medio_url":       primaryGet,
			"target_source_face_url": secondaryGet,
			"duration":               duration,
			"start_clip_sec":         0,
			"end_clip_sec":           duration,
			"face_enhance":           true,
		})

	case domain.KindPhotoSwap:
		return c.submitTask(ctx, token, req.Kind, "/api/fs/singleface", "request_id", map[string]any{
			"target_image_file": primaryGet,
			"target_face_file":  secondaryGet,
		})

	case domain.KindImageEnhance:
		return c.submitTask(ctx, token, req.Kind, "/api/ie/enhance", "request_id", map[string]any{
			"image_url": primaryGet,
		})

	default:
		return "", domain.ErrUnknownKind
	}
}

func (c *Client) submitTask(ctx context.Context, token string, kind domain.TaskKind, path, idField string, payload map[string]any) (string, error) {
	resp, err := c.postJSON(ctx, token, path, payload)
	if err != nil {
		return "", &domain.SubmissionError{Kind: kind, Err: err}
	}
	if resp.Code != successCode {
		return "", &domain.SubmissionError{
			Kind: kind,
			Err:  fmt.Errorf("code %d: %s", resp.Code, resp.Message),
		}
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", &domain.SubmissionError{Kind: kind, Err: fmt.Errorf("decode: %w", err)}
	}

	var jobID string
	if raw, ok := data[idField]; ok {
		if err := json.Unmarshal(raw, &jobID); err != nil {
			// Some deployments return numeric identifiers.
			var n int64
			if err := json.Unmarshal(raw, &n); err == nil {
				jobID = fmt.Sprint(n)
			}
		}
	}
	if jobID == "" {
		return "", &domain.SubmissionError{Kind: kind, Err: fmt.Errorf("missing %s in response", idField)}
	}

	return jobID, nil
}

// status performs one poll cycle. done=true only for a success status with
// an output present; failed/error statuses are terminal.
func (c *Client) status(ctx context.Context, token string, kind domain.TaskKind, jobID string) (string, bool, error) {
	var (
		resp        apiResponse
		err         error
		outputField string
	)

	switch kind {
	case domain.KindVideoSwap:
		outputField = "output"
		resp, err = c.postForm(ctx, token, "/api/mfs/gifvideo/task/status", map[string]string{
			"prediction_id": jobID,
			"task_type":     "2",
			"rank":          "",
		})
	case domain.KindPhotoSwap:
		outputField = "result_img_url"
		resp, err = c.getJSON(ctx, token, "/api/fs/result?request_id="+url.QueryEscape(jobID))
	case domain.KindImageEnhance:
		outputField = "result_img_url"
		resp, err = c.getJSON(ctx, token, "/api/ie/result?request_id="+url.QueryEscape(jobID))
	default:
		return "", false, domain.ErrUnknownKind
	}
	if err != nil {
		return "", false, err
	}
	if resp.Code != successCode {
		return "", false, fmt.Errorf("status code %d: %s", resp.Code, resp.Message)
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", false, fmt.Errorf("decode status: %w", err)
	}

	var status string
	if raw, ok := data["status"]; ok {
		_ = json.Unmarshal(raw, &status)
	}

	switch status {
	case "success":
		var output string
		if raw, ok := data[outputField]; ok {
			_ = json.Unmarshal(raw, &output)
		}
		if output != "" {
			return output, true, nil
		}
		// success without an output yet; keep polling
		return "", false, nil
	case "failed", "error":
		return "", false, &domain.JobFailedError{Status: status, Message: resp.Message}
	default:
		return "", false, nil
	}
}

func (c *Client) postJSON(ctx context.Context, token, path string, payload any) (apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return apiResponse{}, fmt.Errorf("encode payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apiResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setCommonHeaders(httpReq, token)

	return c.do(httpReq)
}

func (c *Client) postForm(ctx context.Context, token, path string, fields map[string]string) (apiResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return apiResponse{}, fmt.Errorf("write form field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return apiResponse{}, fmt.Errorf("close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return apiResponse{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.setCommonHeaders(httpReq, token)

	return c.do(httpReq)
}

func (c *Client) getJSON(ctx context.Context, token, path string) (apiResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apiResponse{}, err
	}
	c.setCommonHeaders(httpReq, token)

	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (apiResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return apiResponse{}, fmt.Errorf("http status %d", resp.StatusCode)
	}

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}

	return api, nil
}

func (c *Client) setCommonHeaders(req *http.Request, token string) {
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
		req.Header.Set("Referer", c.origin+"/")
	}
	req.Header.Set("authorization", token)
}

func primaryMedia(req domain.JobRequest) (ext, contentType string) {
	if req.Kind == domain.KindVideoSwap {
		return "mp4", "video/mp4"
	}

	ext = "png"
	if parts := strings.SplitN(req.PrimaryMime, "/", 2); len(parts) == 2 && parts[1] != "" {
		ext = parts[1]
	}
	return ext, "image/" + ext
}
