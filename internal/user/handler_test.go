package user

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandler_RegisterLogin(t *testing.T) {
	h := NewHandler(NewService(newFakeStore(), "test-secret", time.Hour), slog.New(slog.DiscardHandler))

	post := func(fn http.HandlerFunc, body any) *httptest.ResponseRecorder {
		b, _ := json.Marshal(body)
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(b)))
		return rec
	}

	rec := post(h.Register, RegisterRequest{Username: "carol", Password: "long-enough"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = post(h.Register, RegisterRequest{Username: "carol", Password: "long-enough"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = post(h.Login, LoginRequest{Username: "carol", Password: "long-enough"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.NotEmpty(t, res.AccessToken)

	rec = post(h.Login, LoginRequest{Username: "carol", Password: "nope-nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
