package order

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	myMiddleware "marketchat/internal/middleware"
)

type fakeRefresher struct{ ids []string }

func (f *fakeRefresher) Refresh(ids ...string) { f.ids = append(f.ids, ids...) }

func asUser(r *http.Request, id string) *http.Request {
	return r.WithContext(myMiddleware.WithIdentity(r.Context(), &myMiddleware.Identity{UserID: id, Username: id, Role: "customer"}))
}

func TestPlaceOrderHandlerRefreshesBothSides(t *testing.T) {
	svc, mock, _ := newService(t)
	ref := &fakeRefresher{}
	h := NewHandler(svc, ref, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO conversations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("FROM orders o").
		WillReturnRows(orderRows().AddRow("o1", "cust", "shop", "Bakery", "bread", 300, StatusPlaced, now))

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/orders",
		strings.NewReader(`{"shop_id":"shop","summary":"bread","total":300}`)), "cust")
	rec := httptest.NewRecorder()
	h.PlaceOrder(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"cust", "shop"}, ref.ids)
}

func TestPlaceOrderHandlerValidates(t *testing.T) {
	svc, _, _ := newService(t)
	h := NewHandler(svc, nil, zap.NewNop())

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"summary":"bread"}`)), "cust")
	rec := httptest.NewRecorder()
	h.PlaceOrder(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetHistoryForbiddenForOutsider(t *testing.T) {
	svc, mock, _ := newService(t)
	h := NewHandler(svc, nil, zap.NewNop())
	expectConversation(mock, "c1", "o1", "cust", "shop")

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("conversationID", "c1")
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/c1/messages", nil)
	req = asUser(req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx)), "stranger")
	rec := httptest.NewRecorder()
	h.GetHistory(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
