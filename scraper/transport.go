package scraper

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
)

// fetchHeader tags an outgoing request with the Fetch call that issued it.
// contextTransport removes it before the request leaves the process.
const fetchHeader = "X-Volby-Fetch"

// contextTransport ties each request to the context of its Fetch call, so
// cancelling the caller aborts the request in flight. colly v2.1 builds the
// http.Request without a caller context; the tag header links the two.
type contextTransport struct {
	mu       sync.Mutex
	next     http.RoundTripper
	seq      uint64
	contexts map[string]context.Context
}

func newContextTransport(next http.RoundTripper) *contextTransport {
	return &contextTransport{
		next:     next,
		contexts: make(map[string]context.Context),
	}
}

func (t *contextTransport) setNext(next http.RoundTripper) {
	t.mu.Lock()
	t.next = next
	t.mu.Unlock()
}

// bind registers ctx and returns the tag to send along with the request.
func (t *contextTransport) bind(ctx context.Context) (string, func()) {
	t.mu.Lock()
	t.seq++
	id := strconv.FormatUint(t.seq, 10)
	t.contexts[id] = ctx
	t.mu.Unlock()

	return id, func() {
		t.mu.Lock()
		delete(t.contexts, id)
		t.mu.Unlock()
	}
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := req.Header.Get(fetchHeader)
	t.mu.Lock()
	next := t.next
	fetchCtx, bound := t.contexts[id]
	t.mu.Unlock()

	if id == "" {
		return next.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.Header.Del(fetchHeader)
	if !bound {
		return next.RoundTrip(out)
	}

	ctx, cancel := context.WithCancel(out.Context())
	stop := context.AfterFunc(fetchCtx, cancel)
	release := func() {
		stop()
		cancel()
	}
	resp, err := next.RoundTrip(out.WithContext(ctx))
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &releaseBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// releaseBody drops the request context once the body is closed.
type releaseBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
