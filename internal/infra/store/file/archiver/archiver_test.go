package archiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	mu    sync.Mutex
	blobs map[string][]byte

	saveErr error
	// saveGate, when set, stalls Save until the channel is closed
	saveGate chan struct{}
}

func newStubStore() *stubStore {
	return &stubStore{blobs: make(map[string][]byte)}
}

func (s *stubStore) put(handle string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[handle] = data
}

func (s *stubStore) has(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[handle]
	return ok
}

func (s *stubStore) Save(ctx context.Context, reader io.Reader, handle string) (int64, error) {
	if s.saveGate != nil {
		<-s.saveGate
	}
	if s.saveErr != nil {
		return 0, s.saveErr
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[handle] = data
	return int64(len(data)), nil
}

func (s *stubStore) Open(ctx context.Context, handle string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[handle]
	if !ok {
		return nil, 0, fmt.Errorf("blob not found: %s", handle)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *stubStore) Delete(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, handle)
	return nil
}

func TestArchiverMovesBlobAndReleasesLocal(t *testing.T) {
	local := newStubStore()
	remote := newStubStore()
	local.put("out.png", []byte("result-bytes"))

	a := New(local, remote, 4, 1, 3)
	a.Start(context.Background())
	defer a.Stop(context.Background())

	require.True(t, a.Enqueue("out.png"))

	require.Eventually(t, func() bool {
		return remote.has("out.png") && !local.has("out.png")
	}, time.Second, 5*time.Millisecond)
}

func TestArchiverReleasesLocalAfterRetriesExhausted(t *testing.T) {
	local := newStubStore()
	remote := newStubStore()
	remote.saveErr = errors.New("remote down")
	local.put("out.png", []byte("result-bytes"))

	a := New(local, remote, 4, 1, 1)
	a.Start(context.Background())
	defer a.Stop(context.Background())

	require.True(t, a.Enqueue("out.png"))

	require.Eventually(t, func() bool {
		return !local.has("out.png")
	}, time.Second, 5*time.Millisecond)
	assert.False(t, remote.has("out.png"))
}

func TestArchiverStopWithJobInFlight(t *testing.T) {
	local := newStubStore()
	remote := newStubStore()
	remote.saveErr = errors.New("remote down")
	gate := make(chan struct{})
	remote.saveGate = gate
	local.put("out.png", []byte("result-bytes"))

	a := New(local, remote, 4, 1, 3)
	a.Start(context.Background())

	require.True(t, a.Enqueue("out.png"))
	// let the worker pick the job up and stall inside the remote save
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stopped <- a.Stop(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	close(gate)

	// the failed job must be dropped, not requeued into the closed queue
	require.NoError(t, <-stopped)
	assert.False(t, local.has("out.png"), "local copy released on drop")
	assert.False(t, a.Enqueue("other.png"), "stopped archiver refuses new jobs")
}
