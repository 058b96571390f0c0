package order

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketchat/internal/chat"
)

var now = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

type fakePublisher struct {
	sent []chat.Envelope
	err  error
}

func (f *fakePublisher) Send(_ context.Context, _ string, env chat.Envelope) error {
	f.sent = append(f.sent, env)
	return f.err
}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock, *fakePublisher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pub := &fakePublisher{}
	svc := NewService(NewRepository(db), pub, zap.NewNop())
	svc.now = func() time.Time { return now }
	return svc, mock, pub
}

func expectConversation(mock sqlmock.Sqlmock, id, orderID, customerID, shopID string) {
	mock.ExpectQuery("SELECT id, order_id, customer_id, shop_id FROM conversations WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "customer_id", "shop_id"}).
			AddRow(id, orderID, customerID, shopID))
}

func orderRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "customer_id", "shop_id", "shop_name", "summary", "total", "status", "created_at"})
}

func TestPlaceOrderCreatesOrderAndConversation(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WithArgs(sqlmock.AnyArg(), "cust", "shop", "2 loaves", int64(700), StatusPlaced, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "cust", "shop", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("FROM orders o").
		WillReturnRows(orderRows().AddRow("o1", "cust", "shop", "Bakery", "2 loaves", 700, StatusPlaced, now))

	res, err := svc.PlaceOrder(context.Background(), "cust", &PlaceOrderRequest{ShopID: "shop", Summary: "2 loaves", Total: 700})
	require.NoError(t, err)
	assert.Equal(t, "Bakery", res.Order.ShopName)
	assert.NotEmpty(t, res.ConversationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceOrderRollsBackWhenConversationFails(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO conversations").WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	_, err := svc.PlaceOrder(context.Background(), "cust", &PlaceOrderRequest{ShopID: "shop", Summary: "x"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendMessageStoresAndPublishes(t *testing.T) {
	svc, mock, pub := newService(t)

	expectConversation(mock, "c1", "o1", "cust", "shop")
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "c1", "cust", "hello", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	m, err := svc.SendMessage(context.Background(), "cust", "c1", "  <script>x()</script>hello ")
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Body)
	assert.Equal(t, "cust", m.SenderID)

	require.Len(t, pub.sent, 1)
	decoded, err := pub.sent[0].Decode()
	require.NoError(t, err)
	payload := decoded.(chat.MessagePayload)
	assert.Equal(t, "o1", payload.OrderID)
	assert.Equal(t, m.ID, payload.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendMessageKeepsPlainText(t *testing.T) {
	svc, mock, pub := newService(t)

	expectConversation(mock, "c1", "o1", "cust", "shop")
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "c1", "cust", "is 3 < 5 & 7 > 2?", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	m, err := svc.SendMessage(context.Background(), "cust", "c1", "is 3 < 5 & 7 > 2?")
	require.NoError(t, err)
	assert.Equal(t, "is 3 < 5 & 7 > 2?", m.Body)

	require.Len(t, pub.sent, 1)
	decoded, err := pub.sent[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, "is 3 < 5 & 7 > 2?", decoded.(chat.MessagePayload).Body)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendMessageRejectsOutsider(t *testing.T) {
	svc, mock, pub := newService(t)
	expectConversation(mock, "c1", "o1", "cust", "shop")

	_, err := svc.SendMessage(context.Background(), "stranger", "c1", "hi")
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.Empty(t, pub.sent)
}

func TestSendMessageValidatesBody(t *testing.T) {
	svc, mock, _ := newService(t)

	expectConversation(mock, "c1", "o1", "cust", "shop")
	_, err := svc.SendMessage(context.Background(), "shop", "c1", "<b></b>   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	expectConversation(mock, "c1", "o1", "cust", "shop")
	_, err = svc.SendMessage(context.Background(), "shop", "c1", strings.Repeat("a", MaxMessageLength+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendMessageUnknownConversation(t *testing.T) {
	svc, mock, _ := newService(t)
	mock.ExpectQuery("FROM conversations WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "customer_id", "shop_id"}))

	_, err := svc.SendMessage(context.Background(), "cust", "nope", "hi")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSendMessageSurvivesPublishFailure(t *testing.T) {
	svc, mock, pub := newService(t)
	pub.err = errors.New("redis down")

	expectConversation(mock, "c1", "o1", "cust", "shop")
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))

	m, err := svc.SendMessage(context.Background(), "shop", "c1", "ready for pickup")
	require.NoError(t, err)
	assert.Equal(t, "ready for pickup", m.Body)
}

func TestMarkReadUpdatesCounterpartMessages(t *testing.T) {
	svc, mock, _ := newService(t)
	upTo := now.Add(-time.Minute)

	expectConversation(mock, "c1", "o1", "cust", "shop")
	mock.ExpectExec("UPDATE messages SET read_at").
		WithArgs("c1", "cust", upTo, now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, svc.ForUser("cust").MarkRead(context.Background(), "c1", upTo))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchConversationsForUser(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectQuery("FROM conversations c").
		WithArgs("cust").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "shop_id", "shop_name", "cust_id", "cust_name", "latest", "last", "unread"}).
			AddRow("c1", "o1", "shop", "Bakery", "cust", "ann", "see you", now, 2).
			AddRow("c2", "o2", "shop2", "Florist", "cust", "ann", "", now.Add(-time.Hour), 0))

	convs, err := svc.ForUser("cust").FetchConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, 2, convs[0].Unread)
	assert.Equal(t, "Bakery", convs[0].Counterpart("cust").Name)
	assert.Equal(t, "o2", convs[1].OrderID)
}

func TestHistoryCarriesReadAt(t *testing.T) {
	svc, mock, _ := newService(t)

	expectConversation(mock, "c1", "o1", "cust", "shop")
	mock.ExpectQuery("FROM messages WHERE conversation_id").
		WithArgs("c1", historyLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "sender_id", "content", "created_at", "read_at"}).
			AddRow("m1", "c1", "shop", "hi", now, now.Add(time.Minute)).
			AddRow("m2", "c1", "cust", "hello", now.Add(time.Second), nil))

	msgs, err := svc.History(context.Background(), "cust", "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[0].ReadAt)
	assert.Nil(t, msgs[1].ReadAt)
}

func TestOrderForChat(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectQuery("FROM orders o").
		WithArgs("o1").
		WillReturnRows(orderRows().AddRow("o1", "cust", "shop", "Bakery", "bread", 300, StatusPlaced, now))
	mock.ExpectQuery("FROM conversations WHERE order_id").
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "customer_id", "shop_id"}).AddRow("c1", "o1", "cust", "shop"))

	snap, convID, err := svc.OrderForChat(context.Background(), "shop", "o1")
	require.NoError(t, err)
	assert.Equal(t, "c1", convID)
	assert.Equal(t, "Bakery", snap.ShopName)
	assert.Equal(t, int64(300), snap.Total)
}

func TestOrderForChatMissingOrder(t *testing.T) {
	svc, mock, _ := newService(t)
	mock.ExpectQuery("FROM orders o").WillReturnRows(orderRows())

	_, _, err := svc.OrderForChat(context.Background(), "cust", "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
