package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestNotifier wires a notifier whose sleeps are recorded instead of slept.
func newTestNotifier(t *testing.T, handler http.Handler) (*Notifier, *httptest.Server, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var slept []time.Duration
	n := New(Options{
		HTTPClient: srv.Client(),
		Sleep: func(ctx context.Context, d time.Duration) {
			slept = append(slept, d)
		},
	})
	return n, srv, &slept
}

func TestSend_FirstAttemptSucceeds(t *testing.T) {
	var attempts int32
	var got Payload
	n, srv, slept := newTestNotifier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))

	p := Payload{Email: "a@b.c", Task: "my-task", Round: 2, Nonce: "n1", PagesURL: "p", RepoURL: "r", CommitSHA: "sha"}
	if st := n.Send(context.Background(), srv.URL, p); st != Ok {
		t.Fatalf("status = %v, want Ok", st)
	}

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want no sleeps", *slept)
	}
	if got != p {
		t.Errorf("payload = %+v, want %+v", got, p)
	}
}

func TestSend_RecoversOnFifthAttempt(t *testing.T) {
	var attempts int32
	n, srv, slept := newTestNotifier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 5 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if st := n.Send(context.Background(), srv.URL, Payload{}); st != Ok {
		t.Fatalf("status = %v, want Ok", st)
	}
	if attempts != 5 {
		t.Errorf("attempts = %d, want 5", attempts)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], d)
		}
	}
}

func TestSend_ExhaustsAndReportsFailed(t *testing.T) {
	var attempts int32
	var failures int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	var slept []time.Duration
	n := New(Options{
		HTTPClient: srv.Client(),
		Sleep:      func(ctx context.Context, d time.Duration) { slept = append(slept, d) },
		OnFailure:  func() { failures++ },
	})

	if st := n.Send(context.Background(), srv.URL, Payload{}); st != Failed {
		t.Fatalf("status = %v, want Failed", st)
	}
	if attempts != 5 {
		t.Errorf("attempts = %d, want 5", attempts)
	}
	// 1+2+4+8 = 15s of backoff, no sleep after the final attempt
	var total time.Duration
	for _, d := range slept {
		total += d
	}
	if total != 15*time.Second {
		t.Errorf("total backoff = %v, want 15s", total)
	}
	if failures != 1 {
		t.Errorf("OnFailure called %d times, want 1", failures)
	}
}

func TestSend_TransportErrorRetries(t *testing.T) {
	// Point at a server that is already closed to force transport errors.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	var slept []time.Duration
	var atts int
	n := New(Options{
		Sleep:     func(ctx context.Context, d time.Duration) { slept = append(slept, d) },
		OnAttempt: func() { atts++ },
	})

	if st := n.Send(context.Background(), url, Payload{}); st != Failed {
		t.Fatalf("status = %v, want Failed", st)
	}
	if atts != 5 {
		t.Errorf("attempts = %d, want 5", atts)
	}
}

func TestSend_ContextCancelStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	var atts int
	n := New(Options{
		HTTPClient: srv.Client(),
		Sleep:      func(ctx context.Context, d time.Duration) { cancel() },
		OnAttempt:  func() { atts++ },
	})

	if st := n.Send(ctx, srv.URL, Payload{}); st != Failed {
		t.Fatalf("status = %v, want Failed", st)
	}
	if atts != 1 {
		t.Errorf("attempts = %d, want 1 (cancelled after first backoff)", atts)
	}
}

type staticSigner struct{ sig []byte }

func (s staticSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	return s.sig, nil
}

func TestSend_SignatureHeader(t *testing.T) {
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n := New(Options{
		HTTPClient: srv.Client(),
		Signer:     staticSigner{sig: []byte{0xde, 0xad}},
		Sleep:      func(ctx context.Context, d time.Duration) {},
	})

	if st := n.Send(context.Background(), srv.URL, Payload{}); st != Ok {
		t.Fatalf("status = %v", st)
	}
	if header != "3q0=" {
		t.Errorf("signature header = %q, want base64 of de ad", header)
	}
}
