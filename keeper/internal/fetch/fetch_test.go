package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGet_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing user agent")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{AllowPrivate: true})
	res, err := f.Get(context.Background(), srv.URL+"/page")
	if err != nil {
		t.Fatal(err)
	}
	if res.ContentType != "text/html" || res.StatusCode != 200 {
		t.Errorf("result = %+v", res)
	}
	if res.Hash != Hash(res.Body) || len(res.Hash) != 64 {
		t.Errorf("hash = %q", res.Hash)
	}
}

func TestGet_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/big":
			w.Write([]byte(strings.Repeat("x", 2048)))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte("late"))
		}
	}))
	defer srv.Close()

	f := New(Config{AllowPrivate: true, MaxBytes: 1024, Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	if _, err := f.Get(ctx, srv.URL+"/missing"); !errors.Is(err, ErrStatus) {
		t.Errorf("404: err = %v", err)
	}
	if _, err := f.Get(ctx, srv.URL+"/big"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("big: err = %v", err)
	}
	if _, err := f.Get(ctx, srv.URL+"/slow"); err == nil {
		t.Error("slow: expected timeout")
	}
}

func TestGet_GuardBlocksPrivateHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("guarded request reached the server")
	}))
	defer srv.Close()

	f := New(Config{})
	if _, err := f.Get(context.Background(), srv.URL); !errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v, want ErrBlocked", err)
	}
	if _, err := f.Get(context.Background(), "file:///etc/passwd"); !errors.Is(err, ErrUnsafeScheme) {
		t.Fatalf("err = %v, want ErrUnsafeScheme", err)
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url  string
		want error
	}{
		{"http://127.0.0.1/", ErrBlocked},
		{"http://localhost:8080/", ErrBlocked},
		{"http://10.1.2.3/", ErrBlocked},
		{"http://[::1]/", ErrBlocked},
		{"http://169.254.169.254/latest/meta-data", ErrBlocked},
		{"ftp://example.com/", ErrUnsafeScheme},
		{"https://93.184.216.34/", nil},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if tt.want == nil && err != nil {
			t.Errorf("%s: unexpected %v", tt.url, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.url, err, tt.want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"HTTPS://Example.COM", "https://example.com/"},
		{"http://example.com:80/a#frag", "http://example.com/a"},
		{"https://example.com:8443/a?b=1", "https://example.com:8443/a?b=1"},
		{"https://user:pw@example.com/x", "https://example.com/x"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in, nil)
		if err != nil || got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}

	if _, err := NormalizeURL("mailto:a@b.c", nil); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("mailto: err = %v", err)
	}
	if _, err := NormalizeURL("/relative", nil); err == nil {
		t.Error("relative URL without base accepted")
	}
}
