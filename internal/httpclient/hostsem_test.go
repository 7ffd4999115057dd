package httpclient

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
)

func TestHostSemaphoreCapsConcurrency(t *testing.T) {
	sem := NewHostSemaphore(2)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := sem.Acquire("https://cdn.example.com/seg/1.ts")
			defer release()
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			inFlight.Add(-1)
		}()
	}
	wg.Wait()
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d, limit 2", p)
	}
}

func TestHostSemaphoreKeysByHost(t *testing.T) {
	sem := NewHostSemaphore(1)
	r1 := sem.Acquire("https://a.example.com/x")
	defer r1()
	// A different host must not block even while a.example.com's slot is held.
	done := make(chan struct{})
	go func() {
		r2 := sem.Acquire("https://b.example.com/y")
		r2()
		close(done)
	}()
	<-done
}

func TestDecodedBody_gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("#EXTM3U\n"))
	zw.Close()

	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip"}},
		Body:   io.NopCloser(&buf),
	}
	rc, err := DecodedBody(resp)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "#EXTM3U\n" {
		t.Errorf("decoded = %q", data)
	}
}

func TestDecodedBody_identityPassthrough(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{},
		Body:   io.NopCloser(bytes.NewReader([]byte("raw"))),
	}
	rc, err := DecodedBody(resp)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "raw" {
		t.Errorf("passthrough = %q", data)
	}
}
