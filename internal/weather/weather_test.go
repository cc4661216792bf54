package weather

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestService_CurrentTempConvertsToC(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RawQuery
		fmt.Fprint(w, `{"current": {"temperature_2m": 68.0}}`)
	}))
	defer srv.Close()

	s := New(srv.URL, 0, 0, discardLogger())
	temp, err := s.CurrentTempC(context.Background(), 44.9778, -93.265)
	if err != nil {
		t.Fatalf("CurrentTempC: %v", err)
	}
	if temp == nil || *temp != 20.0 {
		t.Errorf("temperature = %v, want 20.0 (68°F)", temp)
	}
	for _, want := range []string{"temperature_unit=fahrenheit", "current=temperature_2m"} {
		if !strings.Contains(gotPath, want) {
			t.Errorf("query %q missing %q", gotPath, want)
		}
	}
}

func TestService_CachesPerCoordinate(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"current": {"temperature_2m": 32.0}}`)
	}))
	defer srv.Close()

	s := New(srv.URL, 0, time.Hour, discardLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		temp, err := s.CurrentTempC(ctx, 44.9778, -93.265)
		if err != nil {
			t.Fatal(err)
		}
		if *temp != 0.0 {
			t.Errorf("temperature = %v, want 0.0 (32°F)", *temp)
		}
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (cached within TTL)", calls)
	}

	// A different coordinate is a separate cache entry.
	if _, err := s.CurrentTempC(ctx, 45.0, -93.0); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2 after new coordinate", calls)
	}
}

func TestService_MissingTemperatureErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"current": {}}`)
	}))
	defer srv.Close()

	s := New(srv.URL, 0, 0, discardLogger())
	if _, err := s.CurrentTempC(context.Background(), 44.9778, -93.265); err == nil {
		t.Fatal("expected error for response without temperature")
	}
}

func TestService_ServerErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(srv.URL, 0, 0, discardLogger())
	if _, err := s.CurrentTempC(context.Background(), 44.9778, -93.265); err == nil {
		t.Fatal("expected error for 503 response")
	}
}
