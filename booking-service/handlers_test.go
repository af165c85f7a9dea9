package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"concert-session/booking"
	"concert-session/shared"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSecret = []byte("test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

type apiHarness struct {
	*svcHarness
	router *gin.Engine
}

func newAPIHarness(t *testing.T) *apiHarness {
	h := newServiceHarness(t, nil)
	return &apiHarness{svcHarness: h, router: setupRoutes(h.svc, h.store, testSecret, zap.NewNop())}
}

func (h *apiHarness) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := shared.IssueToken(testSecret, userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set(shared.AuthorizationHeader, shared.BearerPrefix+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHandlers_RequireBearer(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, "", http.MethodPost, "/api/schedules/42/queue", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/schedules/42/queue", nil)
	req.Header.Set(shared.AuthorizationHeader, "Bearer forged")
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlers_BookingFlow(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, "alice", http.MethodPost, "/api/schedules/42/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ticket := decode[shared.QueueTicket](t, w)
	assert.Equal(t, int64(1), ticket.Position)

	holdReq := shared.HoldRequest{ScheduleID: 42, QueueToken: ticket.Token, SeatIDs: []string{"A1"}}
	w = h.do(t, "alice", http.MethodPost, "/api/holds", holdReq)
	assert.Equal(t, http.StatusTooEarly, w.Code)

	require.NoError(t, h.svc.AdmitTick(context.Background()))
	w = h.do(t, "alice", http.MethodPost, "/api/holds", holdReq)
	require.Equal(t, http.StatusOK, w.Code)
	hold := decode[shared.Hold](t, w)
	assert.Equal(t, "Row A, Seat 1", hold.Seats[0].Location)

	w = h.do(t, "alice", http.MethodPost, "/api/holds/renew",
		shared.RenewRequest{ScheduleID: 42, QueueToken: ticket.Token, ReservationID: hold.ReservationID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 300, decode[shared.Renewal](t, w).RemainingSeconds)

	w = h.do(t, "alice", http.MethodGet, "/api/schedules/42/seats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	seats := decode[[]shared.Seat](t, w)
	assert.Equal(t, shared.SeatHeld, seats[0].Status)

	w = h.do(t, "alice", http.MethodPost, "/api/holds/confirm",
		shared.ConfirmRequest{ReservationID: hold.ReservationID, PaymentRef: "ord-9"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BK-ORD-9", decode[shared.Confirmation](t, w).BookingNumber)

	w = h.do(t, "alice", http.MethodPost, "/api/sessions/leave",
		shared.LeaveRequest{ScheduleID: 42, QueueToken: ticket.Token, ReservationID: hold.ReservationID})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandlers_QueueStatus(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, "alice", http.MethodPost, "/api/schedules/42/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ticket := decode[shared.QueueTicket](t, w)
	path := "/api/schedules/42/queue/" + ticket.Token

	w = h.do(t, "alice", http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, shared.QueueStatus{Position: 1, RemainingSeconds: 300}, decode[shared.QueueStatus](t, w))

	require.NoError(t, h.svc.AdmitTick(context.Background()))
	w = h.do(t, "alice", http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, shared.QueueStatus{Admitted: true, RemainingSeconds: 300}, decode[shared.QueueStatus](t, w))

	w = h.do(t, "bob", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = h.do(t, "alice", http.MethodGet, "/api/schedules/x/queue/"+ticket.Token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.clock.Advance(5*time.Minute + time.Second)
	w = h.do(t, "alice", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestHandlers_BadRequests(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, "alice", http.MethodPost, "/api/schedules/abc/queue", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, "alice", http.MethodPost, "/api/schedules/7/queue", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, "alice", http.MethodPost, "/api/holds", shared.HoldRequest{ScheduleID: 42})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, "alice", http.MethodPost, "/api/holds/renew", shared.RenewRequest{ScheduleID: 42, QueueToken: "gone"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, decode[shared.ErrorResponse](t, w).Error, "revoked")
}

func TestHandlers_Health(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	h.store.mu.Lock()
	h.store.pingErr = errors.New("redis down")
	h.store.mu.Unlock()
	w = h.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{booking.ErrHoldExpired, http.StatusGone},
		{fmt.Errorf("%w: A1", booking.ErrSeatUnavailable), http.StatusConflict},
		{booking.ErrQueueRevoked, http.StatusForbidden},
		{booking.ErrRateLimited, http.StatusTooManyRequests},
		{errNotAdmitted, http.StatusTooEarly},
		{errUnknownSchedule, http.StatusNotFound},
		{errInvalidRequest, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
