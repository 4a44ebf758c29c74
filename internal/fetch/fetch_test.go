package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/ianktoo/image-converter/internal/errs"
)

func newStubServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/photo.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = io.Copy(w, bytes.NewBufferString("pngdata"))
		case "/download":
			w.Header().Set("Content-Disposition", `attachment; filename="holiday.jpg"`)
			_, _ = io.Copy(w, bytes.NewBufferString("jpgdata"))
		case "/big.png":
			_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
		case "/slow.png":
			time.Sleep(300 * time.Millisecond)
			_, _ = w.Write([]byte("late"))
		case "/bad":
			http.Error(w, "nope", http.StatusTeapot)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFetchSuccess(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()
	f := New(2*time.Second, 1024)

	res, err := f.Fetch(context.Background(), srv.URL+"/photo.png")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(res.Data) != "pngdata" || res.ContentType != "image/png" || res.Filename != "photo.png" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = f.Fetch(context.Background(), srv.URL+"/download")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Filename != "holiday.jpg" {
		t.Fatalf("expected disposition filename, got %q", res.Filename)
	}
}

func TestFetchBudgets(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()

	if _, err := New(2*time.Second, 16).Fetch(context.Background(), srv.URL+"/big.png"); !errors.Is(err, errs.ErrTooLarge) {
		t.Fatalf("expected resource exhausted for oversized body, got %v", err)
	}
	if _, err := New(50*time.Millisecond, 1024).Fetch(context.Background(), srv.URL+"/slow.png"); !errors.Is(err, errs.ErrResourceExhausted) {
		t.Fatalf("expected resource exhausted for slow download, got %v", err)
	}
}

func TestFetchRejects(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()
	f := New(time.Second, 1024)

	for _, bad := range []string{"", "not a url", "ftp://example.org/a.png"} {
		if _, err := f.Fetch(context.Background(), bad); !errors.Is(err, errs.ErrPlanRejected) {
			t.Fatalf("expected plan rejected for %q, got %v", bad, err)
		}
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/bad"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestDeriveFilename(t *testing.T) {
	cases := []struct {
		disposition string
		rawURL      string
		want        string
	}{
		{"", "https://host/a/b.png", "b.png"},
		{"", "https://host/path/", fallbackName},
		{`inline; filename*=UTF-8''caf%C3%A9.png`, "https://host/x", "café.png"},
		{"garbage;;", "https://host/c.gif", "c.gif"},
	}
	for _, c := range cases {
		u, _ := url.Parse(c.rawURL)
		if got := deriveFilename(c.disposition, u); got != c.want {
			t.Fatalf("deriveFilename(%q,%q)=%q want %q", c.disposition, c.rawURL, got, c.want)
		}
	}
}
