package labfolder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// apiServer is a minimal in-memory labfolder API. Tokens are issued per
// login; handlers reject anything but the newest token with a 401.
type apiServer struct {
	mu         *httptest.Server
	handler    *http.ServeMux
	logins     int
	entryCalls []string
	entries    []Entry
}

func (s *apiServer) mux() *http.ServeMux {
	return s.handler
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	s := &apiServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "alice@example.org", body["user"])
		s.logins++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": s.currentToken()})
	})
	mux.HandleFunc("GET /entries", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.entryCalls = append(s.entryCalls, r.URL.RawQuery)

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		end := offset + limit
		if end > len(s.entries) {
			end = len(s.entries)
		}
		if offset > len(s.entries) {
			offset = len(s.entries)
		}
		json.NewEncoder(w).Encode(s.entries[offset:end])
	})
	mux.HandleFunc("GET /elements/text/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"content": "text of " + r.PathValue("id")})
	})
	mux.HandleFunc("GET /elements/file/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Write([]byte("%PDF-1.4 payload"))
	})

	s.handler = mux
	s.mu = httptest.NewServer(mux)
	t.Cleanup(s.mu.Close)
	return s
}

func (s *apiServer) currentToken() string {
	return fmt.Sprintf("tok-%d", s.logins)
}

func (s *apiServer) authorized(r *http.Request) bool {
	return s.logins > 0 && r.Header.Get("Authorization") == "Bearer "+s.currentToken()
}

func (s *apiServer) expireSession() {
	// bump the accepted token without telling the client
	s.logins++
}

func newTestClient(t *testing.T, s *apiServer) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		BaseURL:    s.mu.URL,
		Email:      "alice@example.org",
		Password:   "secret",
		ScratchDir: t.TempDir(),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, client.Login(context.Background()))
	return client
}

func TestFetchEntriesPagination(t *testing.T) {
	s := newAPIServer(t)
	for i := 1; i <= 5; i++ {
		s.entries = append(s.entries, Entry{ID: fmt.Sprintf("e%d", i), EntryNumber: i})
	}
	client := newTestClient(t, s)

	entries, err := client.FetchEntries(context.Background(), EntryListOptions{
		Limit:         2,
		Expand:        []string{"author", "project"},
		IncludeHidden: true,
	})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.Equal(t, "e1", entries[0].ID)
	require.Equal(t, "e5", entries[4].ID)

	// pages of 2 until a short page ends the walk
	require.Len(t, s.entryCalls, 3)
	require.Contains(t, s.entryCalls[0], "offset=0")
	require.Contains(t, s.entryCalls[1], "offset=2")
	require.Contains(t, s.entryCalls[2], "offset=4")
	require.Contains(t, s.entryCalls[0], "expand=author%2Cproject")
	require.Contains(t, s.entryCalls[0], "include_hidden=true")
}

func TestExpiredSessionRetriesOnce(t *testing.T) {
	s := newAPIServer(t)
	s.entries = []Entry{{ID: "e1"}}
	client := newTestClient(t, s)
	require.Equal(t, 1, s.logins)

	s.expireSession()

	entries, err := client.FetchEntries(context.Background(), EntryListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	// one extra login happened behind the retry
	require.Equal(t, 3, s.logins)
}

func TestFetchText(t *testing.T) {
	s := newAPIServer(t)
	client := newTestClient(t, s)

	text, err := client.FetchText(context.Background(), "t42")
	require.NoError(t, err)
	require.Equal(t, "text of t42", text)
}

func TestFetchFileUsesDispositionFilename(t *testing.T) {
	s := newAPIServer(t)
	client := newTestClient(t, s)

	path, err := client.FetchFile(context.Background(), "f1")
	require.NoError(t, err)
	require.Equal(t, "report.pdf", filepath.Base(path))
	require.Equal(t, client.ScratchDir(), filepath.Dir(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4 payload", string(content))
}

func TestLoginToleratesMissingContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// token delivered without a Content-Type header; the sniffer
		// labels this text/plain
		w.Write([]byte(`{"token": "tok-1"}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{
		BaseURL:    server.URL,
		ScratchDir: t.TempDir(),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, client.Login(context.Background()))
}

func TestLoginRejectsMissingToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{
		BaseURL:    server.URL,
		ScratchDir: t.TempDir(),
	}, nil)
	require.NoError(t, err)
	require.Error(t, client.Login(context.Background()))
}

func TestFilenameFromDisposition(t *testing.T) {
	require.Equal(t, "a.csv", filenameFromDisposition(`attachment; filename="a.csv"`, "x"))
	require.Equal(t, "a.csv", filenameFromDisposition(`attachment; filename=a.csv`, "x"))
	require.Equal(t, "a.csv", filenameFromDisposition(`attachment; filename="../a.csv"`, "x"))
	require.Equal(t, "x", filenameFromDisposition("", "x"))
	require.Equal(t, "x", filenameFromDisposition("attachment", "x"))
}
