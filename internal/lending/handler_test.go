// internal/lending/handler_test.go
package lending

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerreads/internal/auth"
)

var handlerSecret = []byte("test_secret")

func newTestServer(t *testing.T) (*httptest.Server, *fixture) {
	t.Helper()
	f := newFixture(t)
	srv := httptest.NewServer(NewHandler(f.svc).Routes(handlerSecret))
	t.Cleanup(srv.Close)
	return srv, f
}

func do(t *testing.T, method, url string, asUser uuid.UUID, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)

	if asUser != uuid.Nil {
		token, err := auth.Sign(handlerSecret, asUser, "USER", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandlerRequestBorrow(t *testing.T) {
	srv, f := newTestServer(t)

	resp := do(t, http.MethodPost, fmt.Sprintf("%s/books/%s/requests", srv.URL, f.book.ID), f.requester, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var req BorrowRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&req))
	assert.Equal(t, RequestPending, req.State)
	assert.Equal(t, f.requester, req.RequesterID)
}

func TestHandlerRequiresAuthForMutations(t *testing.T) {
	srv, f := newTestServer(t)

	resp := do(t, http.MethodPost, fmt.Sprintf("%s/books/%s/requests", srv.URL, f.book.ID), uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlerBookStateIsPublic(t *testing.T) {
	srv, f := newTestServer(t)

	resp := do(t, http.MethodGet, fmt.Sprintf("%s/books/%s/state", srv.URL, f.book.ID), uuid.Nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state BookState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, StatusAvailable, state.Book.Status)
	assert.Nil(t, state.ActiveRequest)
}

func TestHandlerUnknownBookIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodGet, fmt.Sprintf("%s/books/%s/state", srv.URL, uuid.New()), uuid.Nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerStrangerRespondIs403(t *testing.T) {
	srv, f := newTestServer(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	resp := do(t, http.MethodPost, fmt.Sprintf("%s/requests/%s/respond", srv.URL, req.ID), f.stranger,
		map[string]bool{"accept": true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandlerSecondRequestIs422(t *testing.T) {
	srv, f := newTestServer(t)

	_, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	resp := do(t, http.MethodPost, fmt.Sprintf("%s/books/%s/requests", srv.URL, f.book.ID), f.stranger, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandlerAcceptThenReturnRoundTrip(t *testing.T) {
	srv, f := newTestServer(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	resp := do(t, http.MethodPost, fmt.Sprintf("%s/requests/%s/respond", srv.URL, req.ID), f.owner,
		map[string]bool{"accept": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var accepted BorrowRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.Equal(t, RequestAccepted, accepted.State)

	resp = do(t, http.MethodPost, fmt.Sprintf("%s/requests/%s/return", srv.URL, req.ID), f.owner, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, StatusAvailable, f.currentBook(t).Status)
}

func TestHandlerCancelByRequester(t *testing.T) {
	srv, f := newTestServer(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	resp := do(t, http.MethodPost, fmt.Sprintf("%s/requests/%s/cancel", srv.URL, req.ID), f.requester, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, StatusAvailable, f.currentBook(t).Status)
}

func TestHandlerInvalidIDIs400(t *testing.T) {
	srv, f := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/books/not-a-uuid/requests", f.requester, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
