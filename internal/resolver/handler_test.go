package resolver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/archivio-dms/archivio-dms/internal/grants"
)

func newTestRouter(f *fixture) http.Handler {
	engine := NewEngine(f, f, f, nil)
	handler := NewHandler(engine, slog.Default())

	r := chi.NewRouter()
	r.Route("/permissions", handler.MountRoutes)
	r.Route("/nodes/{kind}/{id}", handler.MountNodeRoutes)
	return r
}

func TestResolveEndpoint(t *testing.T) {
	f := newFixture()
	f.addNode(cabinetC, nil, false)
	f.addNode(folderF, &cabinetC, false)
	f.addGrant(cabinetC, user(userU), grants.LevelRead|grants.LevelWrite)

	router := newTestRouter(f)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/permissions/resolve?user=7&kind=folder&node=10", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Level      uint8  `json:"level"`
		LevelNames string `json:"level_names"`
		Sources    []struct {
			Bit uint8 `json:"bit"`
		} `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, uint8(3), resp.Level)
	require.Equal(t, "read|write", resp.LevelNames)
	require.Len(t, resp.Sources, 2)
}

func TestResolveEndpointRejectsBadParams(t *testing.T) {
	router := newTestRouter(newFixture())

	cases := []string{
		"/permissions/resolve?user=abc&kind=folder&node=10",
		"/permissions/resolve?user=7&kind=drawer&node=10",
		"/permissions/resolve?user=7&kind=folder&node=x",
		"/permissions/resolve?user=7&kind=folder&node=10&as_of=yesterday",
	}
	for _, target := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func TestResolveEndpointUnknownUser(t *testing.T) {
	f := newFixture()
	f.addNode(cabinetC, nil, false)
	router := newTestRouter(f)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/permissions/resolve?user=999&kind=cabinet&node=1", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCheckEndpoint(t *testing.T) {
	f := newFixture()
	f.addNode(cabinetC, nil, false)
	f.addGrant(cabinetC, user(userU), grants.LevelRead)

	router := newTestRouter(f)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/permissions/check?user=7&kind=cabinet&node=1&required=read", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"allowed":true}`, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/permissions/check?user=7&kind=cabinet&node=1&required=delete", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"allowed":false}`, rr.Body.String())
}

func TestListEffectiveEndpoint(t *testing.T) {
	f := newFixture()
	f.addNode(cabinetC, nil, false)
	f.addNode(folderF, &cabinetC, false)
	f.addGrant(cabinetC, role(roleRecords), grants.LevelRead)

	router := newTestRouter(f)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nodes/folder/10/permissions", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Permissions []struct {
			Level       uint8 `json:"level"`
			IsInherited bool  `json:"is_inherited"`
		} `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Permissions, 1)
	require.Equal(t, uint8(1), resp.Permissions[0].Level)
	require.True(t, resp.Permissions[0].IsInherited)
}
