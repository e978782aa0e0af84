package intercept

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
)

const defaultMaxBody = 1 << 20

// Observer receives decoded structured responses from a Tap.
type Observer interface {
	Observe(sourceURL string, requestBody []byte, payload []byte) bool
	ObserveFailed(sourceURL string)
}

// ObserveFailed counts a structured response that failed to decode.
func (ic *Interceptor) ObserveFailed(string) { ic.rec.DecodeFailed() }

// Tap decorates an http.RoundTripper with an observation side channel.
// The wrapped transport's response, body bytes included, reaches the
// caller unchanged whatever happens inside the tap.
type Tap struct {
	next    http.RoundTripper
	obs     Observer
	maxBody int64
}

// NewTap wraps next. maxBody bounds how much of a body is buffered for
// inspection; larger bodies pass through uninspected.
func NewTap(next http.RoundTripper, obs Observer, maxBody int64) *Tap {
	if next == nil {
		next = http.DefaultTransport
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Tap{next: next, obs: obs, maxBody: maxBody}
}

// RoundTrip implements http.RoundTripper.
func (t *Tap) RoundTrip(req *http.Request) (*http.Response, error) {
	reqBody := t.requestBody(req)
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	t.inspect(req, reqBody, resp)
	return resp, nil
}

// requestBody copies the request body through GetBody so the original
// stream is left for the wrapped transport.
func (t *Tap) requestBody(req *http.Request) (body []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("tap: request body hook panicked: %v", r)
			body = nil
		}
	}()
	if req.Body == nil || req.Body == http.NoBody || req.GetBody == nil {
		return nil
	}
	rc, err := req.GetBody()
	if err != nil {
		return nil
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, t.maxBody))
	if err != nil {
		return nil
	}
	return b
}

func (t *Tap) inspect(req *http.Request, reqBody []byte, resp *http.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("tap: response hook panicked for %s: %v", req.URL, r)
		}
	}()
	if resp.Body == nil || !isStructured(resp.Header.Get("Content-Type")) {
		return
	}

	orig := resp.Body
	buf, err := io.ReadAll(io.LimitReader(orig, t.maxBody+1))
	// Replay what was read, then whatever is left of the original stream.
	resp.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(buf), orig), closer: orig}
	if err != nil || int64(len(buf)) > t.maxBody {
		return
	}

	sourceURL := req.URL.String()
	if !json.Valid(buf) {
		t.obs.ObserveFailed(sourceURL)
		return
	}
	t.obs.Observe(sourceURL, reqBody, buf)
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }

func isStructured(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}
