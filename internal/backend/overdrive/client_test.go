package overdrive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/model"
)

type fakeService struct {
	clientTokens int32
	patronTokens int32
	handlers     map[string]http.HandlerFunc
}

var testPatron = model.Patron{Barcode: "21234000111", PIN: "1234"}

func newFakeService(t *testing.T) (*fakeService, *Client) {
	t.Helper()
	f := &fakeService{handlers: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			atomic.AddInt32(&f.clientTokens, 1)
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
			w.Write([]byte(`{"access_token":"client-tok","expires_in":3600}`))
			return
		case "/patron-oauth/patrontoken":
			atomic.AddInt32(&f.patronTokens, 1)
			assert.NoError(t, r.ParseForm())
			if r.PostForm.Get("password") != "1234" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			assert.Equal(t, "websiteid:100 authorizationname:mylib", r.PostForm.Get("scope"))
			w.Write([]byte(`{"access_token":"patron-tok","expires_in":3600}`))
			return
		}
		h, ok := f.handlers[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c := NewClient(Config{
		ClientKey:       "key",
		ClientSecret:    "secret",
		WebsiteID:       "100",
		ILSName:         "mylib",
		CollectionToken: "coll",
		OAuthURL:        srv.URL + "/oauth",
		PatronOAuthURL:  srv.URL + "/patron-oauth",
		APIURL:          srv.URL + "/api",
		PatronAPIURL:    srv.URL + "/patron-api/",
	}, srv.Client(), nil, logger)
	return f, c
}

func requireBearer(t *testing.T, r *http.Request, want string) {
	t.Helper()
	assert.Equal(t, "Bearer "+want, r.Header.Get("Authorization"))
}

func TestFetchHoldings_SyntheticItem(t *testing.T) {
	f, c := newFakeService(t)
	f.handlers["GET /api/v2/collections/coll/products/abc-123/availability"] = func(w http.ResponseWriter, r *http.Request) {
		requireBearer(t, r, "client-tok")
		w.Write([]byte(`{"reserveId":"abc-123","available":true,"copiesOwned":3,"copiesAvailable":1,"numberOfHolds":2}`))
	}

	items, err := c.FetchHoldings(context.Background(), "abc-123")
	require.NoError(t, err)
	require.Len(t, items, 1)
	it := items[0]
	assert.Equal(t, "overdrive:abc-123", it.ItemID)
	assert.Equal(t, "-", it.Status)
	assert.True(t, it.IsLendingServiceItem)
	assert.True(t, it.Available)
	assert.Equal(t, 3, it.CopiesOwned)
	assert.Equal(t, 1, it.CopiesAvailable)
	assert.Equal(t, 2, it.NumberOfHolds)
	require.NotNil(t, it.HoldRequest)
	assert.Equal(t, "overdrive:abc-123", it.HoldRequest.RecordNumber)

	// クライアントトークンは再利用される
	_, err = c.FetchHoldings(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.clientTokens))
}

func TestAvailability_NotFound(t *testing.T) {
	_, c := newFakeService(t)
	_, err := c.Availability(context.Background(), "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestAvailability_ServerError(t *testing.T) {
	f, c := newFakeService(t)
	f.handlers["GET /api/v2/collections/coll/products/x/availability"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, err := c.Availability(context.Background(), "x")
	assert.True(t, errors.Is(err, model.ErrBackendUnavailable))
}

func TestAuthenticate(t *testing.T) {
	_, c := newFakeService(t)

	id, err := c.Authenticate(context.Background(), testPatron)
	require.NoError(t, err)
	assert.Equal(t, testPatron.Barcode, id)

	_, err = c.Authenticate(context.Background(), model.Patron{Barcode: testPatron.Barcode, PIN: "0000"})
	assert.True(t, errors.Is(err, model.ErrAuthenticationRequired))
}

func TestFetchPatronHolds(t *testing.T) {
	f, c := newFakeService(t)
	f.handlers["GET /patron-api/v1/patrons/me/holds"] = func(w http.ResponseWriter, r *http.Request) {
		requireBearer(t, r, "patron-tok")
		w.Write([]byte(`{"holds":[
			{"reserveId":"r1","holdListPosition":3,"holdPlacedDate":"2026-01-02T03:04:05Z"},
			{"reserveId":"r2","holdListPosition":0,"actions":{"checkout":{}},"holdSuspension":{"suspensionType":"indefinite"}}
		]}`))
	}

	holds, err := c.FetchPatronHolds(context.Background(), testPatron)
	require.NoError(t, err)
	require.Len(t, holds, 2)
	assert.Equal(t, "overdrive:r1", holds[0].HoldID)
	assert.Equal(t, "r1", holds[0].ExternalID)
	assert.Equal(t, 3, holds[0].Position)
	assert.Equal(t, "waiting", holds[0].Status)
	require.NotNil(t, holds[0].PlacedAt)
	assert.Equal(t, 2026, holds[0].PlacedAt.Year())
	assert.True(t, holds[0].IsLendingServiceItem)
	assert.Equal(t, "available", holds[1].Status)
	assert.True(t, holds[1].Frozen)
}

func TestFetchPatronCheckouts(t *testing.T) {
	f, c := newFakeService(t)
	f.handlers["GET /patron-api/v1/patrons/me/checkouts"] = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"checkouts":[{"reserveId":"c1","expires":"2026-02-01T00:00:00Z"}]}`))
	}
	cos, err := c.FetchPatronCheckouts(context.Background(), testPatron)
	require.NoError(t, err)
	require.Len(t, cos, 1)
	assert.Equal(t, "overdrive:c1", cos[0].CheckoutID)
	require.NotNil(t, cos[0].DueDate)
	assert.Equal(t, 2026, cos[0].DueDate.Year())
}

func TestPlaceHold_SendsFields(t *testing.T) {
	f, c := newFakeService(t)
	var got fieldsBody
	f.handlers["POST /patron-api/v1/patrons/me/holds"] = func(w http.ResponseWriter, r *http.Request) {
		requireBearer(t, r, "patron-tok")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}

	err := c.PlaceHold(context.Background(), testPatron, backend.HoldRequest{ItemID: "overdrive:abc", Email: "p@example.org"})
	require.NoError(t, err)
	assert.Equal(t, []field{{Name: "reserveId", Value: "abc"}, {Name: "emailAddress", Value: "p@example.org"}}, got.Fields)
}

func TestPlaceHold_EmptyID(t *testing.T) {
	_, c := newFakeService(t)
	err := c.PlaceHold(context.Background(), testPatron, backend.HoldRequest{})
	assert.True(t, errors.Is(err, model.ErrValidationFailure))
}

func TestRejectionMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
		msg    string
	}{
		{"already on wait list", 400, `{"errorCode":"AlreadyOnWaitList","message":"x"}`, model.ErrAlreadyRequested, ""},
		{"no copies", 400, `{"errorCode":"NoCopiesAvailable"}`, model.ErrNoCopiesAvailable, ""},
		{"card blocked", 400, `{"errorCode":"PatronCardBlocked"}`, model.ErrPatronRecordBlocked, ""},
		{"hold limit", 400, `{"errorCode":"PatronHasExceededHoldLimit"}`, model.ErrGenericPlacementFailure, "You have reached the maximum number of holds."},
		{"unknown code", 400, `{"errorCode":"Other","message":"<b>Something</b> went wrong"}`, model.ErrGenericPlacementFailure, "Something went wrong"},
		{"empty body", 400, ``, model.ErrGenericPlacementFailure, "Your request could not be processed."},
		{"not found", 404, `{"token":"zzz"}`, model.ErrNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rejection(&backend.Response{StatusCode: tt.status, Class: backend.ClassifyHTTPStatus(tt.status), Body: []byte(tt.body)})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			if tt.msg != "" {
				var ae *model.APIError
				require.True(t, errors.As(err, &ae))
				assert.Equal(t, tt.msg, ae.Message)
			}
		})
	}
	assert.NoError(t, rejection(&backend.Response{StatusCode: 204, Class: backend.StatusOK}))
}

func TestCancelAndFreeze(t *testing.T) {
	f, c := newFakeService(t)
	var calls []string
	record := func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}
	f.handlers["DELETE /patron-api/v1/patrons/me/holds/r1"] = record
	f.handlers["POST /patron-api/v1/patrons/me/holds/r1/suspension"] = func(w http.ResponseWriter, r *http.Request) {
		var body fieldsBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []field{{Name: "suspensionType", Value: "indefinite"}}, body.Fields)
		record(w, r)
	}
	f.handlers["DELETE /patron-api/v1/patrons/me/holds/r1/suspension"] = record

	ctx := context.Background()
	require.NoError(t, c.CancelHold(ctx, testPatron, "overdrive:r1"))
	require.NoError(t, c.FreezeHold(ctx, testPatron, "overdrive:r1", true))
	require.NoError(t, c.FreezeHold(ctx, testPatron, "r1", false))
	assert.Equal(t, []string{
		"DELETE /patron-api/v1/patrons/me/holds/r1",
		"POST /patron-api/v1/patrons/me/holds/r1/suspension",
		"DELETE /patron-api/v1/patrons/me/holds/r1/suspension",
	}, calls)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.patronTokens))
}

func TestUpdateHold(t *testing.T) {
	f, c := newFakeService(t)
	f.handlers["PUT /patron-api/v1/patrons/me/holds/r1"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
	ctx := context.Background()
	require.NoError(t, c.UpdateHold(ctx, testPatron, "overdrive:r1", backend.HoldUpdate{Email: "new@example.org"}))

	err := c.UpdateHold(ctx, testPatron, "overdrive:r1", backend.HoldUpdate{PickupLocation: "main"})
	assert.True(t, errors.Is(err, backend.ErrUnsupported))
}

func TestCheckoutReturnRenew(t *testing.T) {
	f, c := newFakeService(t)
	f.handlers["POST /patron-api/v1/patrons/me/checkouts"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}
	f.handlers["DELETE /patron-api/v1/patrons/me/checkouts/c1"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
	ctx := context.Background()
	require.NoError(t, c.Checkout(ctx, testPatron, "overdrive:c1"))
	require.NoError(t, c.Return(ctx, testPatron, "overdrive:c1"))
	assert.True(t, errors.Is(c.Renew(ctx, testPatron, "overdrive:c1"), backend.ErrUnsupported))
}

func TestCall_InvalidatesTokenOnAuthFailure(t *testing.T) {
	f, c := newFakeService(t)
	var n int32
	f.handlers["GET /patron-api/v1/patrons/me/holds"] = func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"holds":[]}`))
	}
	ctx := context.Background()
	_, err := c.FetchPatronHolds(ctx, testPatron)
	assert.True(t, errors.Is(err, model.ErrAuthenticationRequired))

	_, err = c.FetchPatronHolds(ctx, testPatron)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.patronTokens))
}

func TestPatronTokens_PrunedOnForgetAndPINChange(t *testing.T) {
	f, c := newFakeService(t)
	f.handlers["GET /patron-api/v1/patrons/me/holds"] = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"holds":[]}`))
	}
	ctx := context.Background()
	_, err := c.FetchPatronHolds(ctx, testPatron)
	require.NoError(t, err)
	assert.Equal(t, 1, c.patronTokens.Size())

	// PINが変わったら同じ利用者の取得元を置き換える
	changed := testPatron
	changed.PIN = testPatron.PIN + "9"
	_, err = c.FetchPatronHolds(ctx, changed)
	assert.True(t, errors.Is(err, model.ErrAuthenticationRequired))
	assert.Equal(t, 1, c.patronTokens.Size())
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.patronTokens))
	entry, ok := c.patronTokens.Load(testPatron.Barcode)
	require.True(t, ok)
	assert.Equal(t, changed.PIN, entry.pin)

	c.ForgetPatron(testPatron.Barcode)
	assert.Equal(t, 0, c.patronTokens.Size())
}
