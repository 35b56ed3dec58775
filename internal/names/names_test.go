package names

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    map[int]string
		wantErr error
	}{
		{
			name: "header skipped",
			in:   "id,name\n0,Alice\n1, Bob\n",
			want: map[int]string{0: "Alice", 1: "Bob"},
		},
		{
			name: "extra columns ignored, last duplicate wins",
			in:   "id,name,team\n2,Carol,red\n2,Dana,blue\n",
			want: map[int]string{2: "Dana"},
		},
		{name: "header only", in: "id,name\n", want: map[int]string{}},
		{name: "empty", in: "", want: map[int]string{}},
		{name: "non integer id", in: "id,name\nx,Alice\n", wantErr: ErrMalformedRow},
		{name: "missing name", in: "id,name\n3\n", wantErr: ErrMalformedRow},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tab, err := Parse(strings.NewReader(tt.in))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if tab.Len() != len(tt.want) {
				t.Fatalf("len = %d, want %d", tab.Len(), len(tt.want))
			}
			for id, want := range tt.want {
				if got, ok := tab.Name(id); !ok || got != want {
					t.Fatalf("Name(%d) = %q, %v; want %q", id, got, ok, want)
				}
			}
		})
	}
}

func TestStoreZeroValueAndSwap(t *testing.T) {
	t.Parallel()
	var s Store
	if _, ok := s.Name(0); ok {
		t.Fatal("zero store resolved a name")
	}
	tab, err := Parse(strings.NewReader("id,name\n0,Alice\n"))
	if err != nil {
		t.Fatal(err)
	}
	s.Swap(tab)
	if got, _ := s.Name(0); got != "Alice" {
		t.Fatalf("Name(0) = %q", got)
	}
	s.Swap(nil)
	if s.Len() != 0 {
		t.Fatalf("len after nil swap = %d", s.Len())
	}
}

func writeTable(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRefreshKeepsPreviousTableOnError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dict.csv")
	writeTable(t, path, "id,name\n0,Alice\n")

	store := NewStore(nil)
	var sizes []int
	r, err := NewRefresher(store, RefresherOptions{Path: path, OnReload: func(n int) { sizes = append(sizes, n) }})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	writeTable(t, path, "id,name\nbogus,Eve\n")
	if err := r.Refresh(); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("err = %v, want ErrMalformedRow", err)
	}
	if got, _ := store.Name(0); got != "Alice" {
		t.Fatalf("Name(0) = %q after failed refresh, want Alice", got)
	}
	if len(sizes) != 1 || sizes[0] != 1 {
		t.Fatalf("reload sizes = %v, want [1]", sizes)
	}
}

func TestRefresherRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	_, err := NewRefresher(NewStore(nil), RefresherOptions{Path: "x.csv", Schedule: "every tuesday"})
	if err == nil {
		t.Fatal("expected schedule error")
	}
	if _, err := NewRefresher(NewStore(nil), RefresherOptions{}); err == nil {
		t.Fatal("expected missing path error")
	}
}

func TestRunServesRequests(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dict.csv")
	writeTable(t, path, "id,name\n0,Alice\n1,Bob\n")

	store := NewStore(nil)
	r, err := NewRefresher(store, RefresherOptions{Path: path, Schedule: "@every 1h"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Request()
	r.Request()
	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("request did not reload the table")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
