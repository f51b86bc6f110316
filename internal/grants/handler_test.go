package grants

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/archivio-dms/archivio-dms/internal/shared"
)

func newTestRouter(store *Store) http.Handler {
	handler := NewHandler(store, slog.Default())
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), 42)))
		})
	})
	r.Route("/nodes/{kind}/{id}", handler.MountNodeRoutes)
	r.Route("/grants", handler.MountRoutes)
	return r
}

func TestCreateGrantEndpoint(t *testing.T) {
	store := NewStore(newMemoryRepo(), fixtureNodes(folderRef), nil, nil)
	router := newTestRouter(store)

	body := `{"principal_kind":"user","principal_id":7,"level":"read|write","reason":"contract review"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/nodes/folder/10/grants", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp struct {
		ID        string `json:"id"`
		Level     uint8  `json:"level"`
		GrantedBy int64  `json:"granted_by"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, uint8(3), resp.Level)
	require.Equal(t, int64(42), resp.GrantedBy)
}

func TestCreateGrantEndpointRejectsBadPayloads(t *testing.T) {
	store := NewStore(newMemoryRepo(), fixtureNodes(folderRef), nil, nil)
	router := newTestRouter(store)

	cases := []string{
		`{`,
		`{"principal_kind":"group","principal_id":7,"level":"read","reason":"x"}`,
		`{"principal_kind":"user","principal_id":7,"level":"owner","reason":"x"}`,
		`{"principal_kind":"user","principal_id":7,"level":"read"}`,
	}
	for _, body := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/nodes/folder/10/grants", strings.NewReader(body)))
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}

// Mutations arriving without the gateway actor header are rejected instead of
// being attributed to user 0.
func TestGrantMutationsRequireActingUser(t *testing.T) {
	store := NewStore(newMemoryRepo(), fixtureNodes(folderRef), nil, nil)
	handler := NewHandler(store, slog.Default())
	r := chi.NewRouter()
	r.Route("/nodes/{kind}/{id}", handler.MountNodeRoutes)
	r.Route("/grants", handler.MountRoutes)

	grant, err := store.Create(context.Background(), CreateInput{
		Node:      folderRef,
		Principal: userRef,
		Level:     LevelRead,
		GrantedBy: 42,
		Reason:    "initial",
	})
	require.NoError(t, err)

	body := `{"principal_kind":"user","principal_id":7,"level":"read","reason":"x"}`
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/nodes/folder/10/grants", strings.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/grants/"+grant.ID.String(), strings.NewReader(`{"reason":"x"}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateGrantEndpointUnknownNode(t *testing.T) {
	store := NewStore(newMemoryRepo(), fixtureNodes(folderRef), nil, nil)
	router := newTestRouter(store)

	body := `{"principal_kind":"user","principal_id":7,"level":"read","reason":"x"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/nodes/folder/99/grants", strings.NewReader(body)))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRevokeGrantEndpoint(t *testing.T) {
	store := NewStore(newMemoryRepo(), fixtureNodes(folderRef), nil, nil)
	grant, err := store.Create(context.Background(), CreateInput{
		Node:      folderRef,
		Principal: userRef,
		Level:     LevelRead,
		GrantedBy: 42,
		Reason:    "setup",
	})
	require.NoError(t, err)

	router := newTestRouter(store)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/grants/"+grant.ID.String(), strings.NewReader(`{"reason":"offboarded"}`)))
	require.Equal(t, http.StatusNoContent, rr.Code)

	// Second revoke conflicts.
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/grants/"+grant.ID.String(), strings.NewReader(`{"reason":"again"}`)))
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestNodeGrantsListingAndAudit(t *testing.T) {
	store := NewStore(newMemoryRepo(), fixtureNodes(folderRef), nil, nil)
	_, err := store.Create(context.Background(), CreateInput{
		Node:      folderRef,
		Principal: userRef,
		Level:     LevelRead,
		GrantedBy: 42,
		Reason:    "setup",
	})
	require.NoError(t, err)

	router := newTestRouter(store)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nodes/folder/10/grants", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var listing struct {
		Grants []json.RawMessage `json:"grants"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listing))
	require.Len(t, listing.Grants, 1)

	// Principal filter that matches nothing.
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nodes/folder/10/grants?principal_kind=role&principal_id=9", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listing))
	require.Empty(t, listing.Grants)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nodes/folder/10/audit", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var trail struct {
		Audit []struct {
			Action string `json:"action"`
		} `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &trail))
	require.Len(t, trail.Audit, 1)
	require.Equal(t, "created", trail.Audit[0].Action)
}
