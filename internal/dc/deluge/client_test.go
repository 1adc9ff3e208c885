package deluge_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/italolelis/arroyo/internal/dc"
	"github.com/italolelis/arroyo/internal/dc/deluge"
	"github.com/italolelis/arroyo/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeDeluge answers deluge-web json-rpc calls from a handler table.
type fakeDeluge struct {
	t        *testing.T
	password string

	mu       sync.Mutex
	sessions int
	calls    map[string][]rpcRequest
	handlers map[string]func(req rpcRequest) (any, map[string]any)
}

func newFakeDeluge(t *testing.T) (*fakeDeluge, *httptest.Server) {
	f := &fakeDeluge{
		t:        t,
		password: "secret",
		calls:    make(map[string][]rpcRequest),
		handlers: make(map[string]func(req rpcRequest) (any, map[string]any)),
	}

	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	return f, srv
}

func (f *fakeDeluge) handle(method string, h func(req rpcRequest) (any, map[string]any)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handlers[method] = h
}

func (f *fakeDeluge) called(method string) []rpcRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[method]
}

func (f *fakeDeluge) expireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sessions++
}

func (f *fakeDeluge) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	f.mu.Lock()
	f.calls[req.Method] = append(f.calls[req.Method], req)
	h := f.handlers[req.Method]
	session := "session-" + string(rune('a'+f.sessions))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if req.Method == "auth.login" {
		var password string
		require.NoError(f.t, json.Unmarshal(req.Params[0], &password))

		ok := password == f.password
		if ok {
			http.SetCookie(w, &http.Cookie{Name: "_session_id", Value: session})
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "result": ok, "error": nil})

		return
	}

	if c, err := r.Cookie("_session_id"); err != nil || c.Value != session {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": req.ID, "result": nil,
			"error": map[string]any{"message": "Not authenticated", "code": 1},
		})

		return
	}

	if h == nil {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": req.ID, "result": nil,
			"error": map[string]any{"message": "Unknown method", "code": 2},
		})

		return
	}

	result, rpcErr := h(req)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "result": result, "error": rpcErr})
}

func newClient(t *testing.T, srv *httptest.Server, label string) *deluge.Client {
	t.Helper()

	c := deluge.NewClient(srv.URL, "/json", "", "secret", label)
	require.NoError(t, c.Authenticate(context.Background()))

	return c
}

func TestAuthenticate(t *testing.T) {
	_, srv := newFakeDeluge(t)

	t.Run("valid password", func(t *testing.T) {
		c := deluge.NewClient(srv.URL, "/json", "", "secret", "")
		require.NoError(t, c.Authenticate(context.Background()))
	})

	t.Run("wrong password", func(t *testing.T) {
		c := deluge.NewClient(srv.URL, "/json", "", "wrong", "")
		err := c.Authenticate(context.Background())

		var authErr *dc.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "auth.login", authErr.Operation)
	})
}

func TestAuthenticate_HTTPErrors(t *testing.T) {
	tests := []struct {
		name        string
		statusCode  int
		wantNetwork bool
	}{
		{"unauthorized", http.StatusUnauthorized, false},
		{"bad gateway", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer srv.Close()

			err := deluge.NewClient(srv.URL, "", "", "secret", "").Authenticate(context.Background())

			var authErr *dc.AuthenticationError
			require.ErrorAs(t, err, &authErr)

			var netErr *dc.NetworkError
			assert.Equal(t, tt.wantNetwork, errors.As(err, &netErr))
		})
	}
}

func TestAdd(t *testing.T) {
	const hash = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"

	tests := []struct {
		name       string
		src        source.Source
		wantMethod string
	}{
		{
			name:       "magnet",
			src:        source.Source{URI: "magnet:?xt=urn:btih:" + hash + "&dn=foo", Name: "foo"},
			wantMethod: "core.add_torrent_magnet",
		},
		{
			name:       "url",
			src:        source.Source{URI: "https://example.org/foo.torrent", Name: "foo"},
			wantMethod: "core.add_torrent_url",
		},
		{
			name:       "metainfo",
			src:        source.Source{URI: "magnet:?xt=urn:btih:" + hash, Name: "foo", Metainfo: []byte("d4:infod4:name3:fooee")},
			wantMethod: "core.add_torrent_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeDeluge(t)
			f.handle(tt.wantMethod, func(rpcRequest) (any, map[string]any) { return hash, nil })
			f.handle("label.set_torrent", func(rpcRequest) (any, map[string]any) { return nil, nil })

			c := newClient(t, srv, "arroyo")

			id, err := c.Add(context.Background(), tt.src)
			require.NoError(t, err)
			assert.Equal(t, hash, id)

			calls := f.called(tt.wantMethod)
			require.Len(t, calls, 1)

			if tt.src.Metainfo != nil {
				var encoded string
				require.NoError(t, json.Unmarshal(calls[0].Params[1], &encoded))
				assert.Equal(t, base64.StdEncoding.EncodeToString(tt.src.Metainfo), encoded)
			}

			labels := f.called("label.set_torrent")
			require.Len(t, labels, 1)

			var label string
			require.NoError(t, json.Unmarshal(labels[0].Params[1], &label))
			assert.Equal(t, "arroyo", label)
		})
	}
}

func TestAdd_AlreadyInSession(t *testing.T) {
	f, srv := newFakeDeluge(t)
	f.handle("core.add_torrent_magnet", func(rpcRequest) (any, map[string]any) { return nil, nil })

	c := newClient(t, srv, "")

	id, err := c.Add(context.Background(), source.Source{URI: "magnet:?xt=urn:btih:C12FE1C06BBA254A9DC9F519B335AA7C1367A88A"})
	require.NoError(t, err)
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", id)
	assert.Empty(t, f.called("label.set_torrent"))
}

func TestAdd_LabelFailureRemovesTorrent(t *testing.T) {
	f, srv := newFakeDeluge(t)
	f.handle("core.add_torrent_url", func(rpcRequest) (any, map[string]any) { return "abc", nil })
	f.handle("label.set_torrent", func(rpcRequest) (any, map[string]any) {
		return nil, map[string]any{"message": "Unknown Label", "code": 4}
	})
	f.handle("core.remove_torrent", func(rpcRequest) (any, map[string]any) { return true, nil })

	c := newClient(t, srv, "missing")

	_, err := c.Add(context.Background(), source.Source{URI: "https://example.org/foo.torrent"})
	require.ErrorContains(t, err, "Unknown Label")
	assert.Len(t, f.called("core.remove_torrent"), 1)
}

func TestAdd_LabelFailureKeepsTorrentAlreadyInSession(t *testing.T) {
	f, srv := newFakeDeluge(t)
	f.handle("core.add_torrent_magnet", func(rpcRequest) (any, map[string]any) { return nil, nil })
	f.handle("label.set_torrent", func(rpcRequest) (any, map[string]any) {
		return nil, map[string]any{"message": "Unknown Label", "code": 4}
	})
	f.handle("core.remove_torrent", func(rpcRequest) (any, map[string]any) { return true, nil })

	c := newClient(t, srv, "missing")

	_, err := c.Add(context.Background(), source.Source{URI: "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567"})
	require.ErrorContains(t, err, "Unknown Label")
	assert.Len(t, f.called("label.set_torrent"), 1)
	assert.Empty(t, f.called("core.remove_torrent"))
}

func TestRemove(t *testing.T) {
	tests := []struct {
		name       string
		result     any
		rpcErr     map[string]any
		deleteData bool
		archive    bool
		wantErr    error
	}{
		{name: "cancel deletes data", result: true, deleteData: true},
		{name: "archive keeps data", result: true, archive: true},
		{name: "unknown torrent", rpcErr: map[string]any{"message": "InvalidTorrentError: torrent_id abc not in session", "code": 4}, deleteData: true, wantErr: dc.ErrNotFound},
		{name: "not removed", result: false, deleteData: true, wantErr: dc.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeDeluge(t)
			f.handle("core.remove_torrent", func(rpcRequest) (any, map[string]any) { return tt.result, tt.rpcErr })

			c := newClient(t, srv, "")

			var err error
			if tt.archive {
				err = c.Archive(context.Background(), "abc")
			} else {
				err = c.Cancel(context.Background(), "abc")
			}

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)

			calls := f.called("core.remove_torrent")
			require.Len(t, calls, 1)

			var deleteData bool
			require.NoError(t, json.Unmarshal(calls[0].Params[1], &deleteData))
			assert.Equal(t, tt.deleteData, deleteData)
		})
	}
}

func TestDump(t *testing.T) {
	f, srv := newFakeDeluge(t)
	f.handle("core.get_torrents_status", func(rpcRequest) (any, map[string]any) {
		return map[string]any{
			"aaa": map[string]any{"name": "foo", "label": "arroyo", "state": "Downloading", "progress": 42.5, "total_size": 100},
			"bbb": map[string]any{"name": "bar", "label": "arroyo", "state": "Seeding", "progress": 100.0, "total_size": 200},
			"ccc": map[string]any{"name": "baz", "label": "other", "state": "Seeding", "progress": 100.0, "total_size": 300},
			"ddd": map[string]any{"name": "qux", "label": "arroyo", "state": "Queued", "progress": 100.0, "total_size": 400},
		}, nil
	})

	t.Run("filtered by label", func(t *testing.T) {
		reports, err := newClient(t, srv, "arroyo").Dump(context.Background())
		require.NoError(t, err)

		assert.Equal(t, []dc.Report{
			{ExternalID: "aaa", State: dc.StateDownloading, Name: "foo", Size: 100},
			{ExternalID: "bbb", State: dc.StateSharing, Name: "bar", Size: 200},
			{ExternalID: "ddd", State: dc.StateSharing, Name: "qux", Size: 400},
		}, reports)
	})

	t.Run("every torrent without label", func(t *testing.T) {
		transfers, err := newClient(t, srv, "").List(context.Background())
		require.NoError(t, err)
		require.Len(t, transfers, 4)
		assert.Equal(t, "other", transfers[2].Label)
	})
}

func TestCall_ReauthenticatesExpiredSession(t *testing.T) {
	f, srv := newFakeDeluge(t)
	f.handle("core.get_torrents_status", func(rpcRequest) (any, map[string]any) {
		return map[string]any{}, nil
	})

	c := newClient(t, srv, "")
	f.expireSessions()

	_, err := c.Dump(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.called("auth.login"), 2)
	assert.Len(t, f.called("core.get_torrents_status"), 2)
}

func TestCall_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	_, err := deluge.NewClient(srv.URL, "/json", "", "secret", "").Dump(context.Background())

	var netErr *dc.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
	assert.Equal(t, "maintenance", netErr.APIMessage)
}
