package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketchat/internal/chat"
	"marketchat/internal/composer"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Drafts can be long.
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// Action is a UI command sent by the browser over the websocket.
type Action struct {
	Action         string             `json:"action" validate:"required,oneof=open_chat close_chat minimize_chat maximize_chat show_conversation_list hide_conversation_list mark_read draft key send"`
	OrderID        string             `json:"order_id,omitempty" validate:"required_if=Action open_chat,required_if=Action close_chat,required_if=Action minimize_chat,required_if=Action maximize_chat"`
	ConversationID string             `json:"conversation_id,omitempty" validate:"required_if=Action mark_read,required_if=Action draft,required_if=Action key,required_if=Action send"`
	Text           string             `json:"text,omitempty"`
	Key            *composer.KeyEvent `json:"key,omitempty" validate:"required_if=Action key"`
}

var errRateLimited = errors.New("too many actions")

// OrderOpener resolves the order a chat window is opened for.
type OrderOpener interface {
	OrderForChat(ctx context.Context, userID, orderID string) (chat.OrderSnapshot, string, error)
}

// Client is a middleman between one websocket connection and a session.
type Client struct {
	session  *Session
	conn     *websocket.Conn
	send     chan []byte
	replies  chan Update
	limiter  *rate.Limiter
	validate *validator.Validate
	opener   OrderOpener
	logger   *zap.Logger
}

// readPump applies the actions read from the connection to the session.
func (c *Client) readPump(stop func()) {
	defer func() {
		stop()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.reply(Update{Type: UpdateError, Error: errRateLimited.Error()})
			continue
		}

		var a Action
		if err := json.Unmarshal(message, &a); err != nil {
			c.reply(Update{Type: UpdateError, Error: "invalid action"})
			continue
		}
		if err := c.validate.Struct(&a); err != nil {
			c.reply(Update{Type: UpdateError, Error: err.Error()})
			continue
		}
		if err := c.apply(&a); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			c.reply(Update{Type: UpdateError, ConversationID: a.ConversationID, Error: err.Error()})
		}
	}
}

func (c *Client) apply(a *Action) error {
	s := c.session
	switch a.Action {
	case "open_chat":
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		order, convID, err := c.opener.OrderForChat(ctx, s.User().ID, a.OrderID)
		if err != nil {
			return err
		}
		_, err = s.OpenChat(convID, order)
		return err
	case "close_chat":
		return s.CloseChat(a.OrderID)
	case "minimize_chat":
		return s.MinimizeChat(a.OrderID)
	case "maximize_chat":
		return s.MaximizeChat(a.OrderID)
	case "show_conversation_list":
		return s.ShowConversationList()
	case "hide_conversation_list":
		return s.HideConversationList()
	case "mark_read":
		return s.MarkRead(a.ConversationID)
	case "draft":
		return s.UpdateDraft(a.ConversationID, a.Text)
	case "key":
		return s.Key(a.ConversationID, *a.Key)
	case "send":
		// The outcome arrives as a snapshot or send_failed update.
		return s.Key(a.ConversationID, composer.KeyEvent{Key: "Enter"})
	}
	return nil
}

func (c *Client) reply(u Update) {
	select {
	case c.replies <- u:
	default:
	}
}

// forward copies session updates and replies into the send buffer until the
// session or the subscription ends, then closes it. It is the only writer of
// send.
func (c *Client) forward(updates <-chan Update) {
	defer close(c.send)
	for {
		var u Update
		select {
		case next, ok := <-updates:
			if !ok {
				return
			}
			u = next
		case u = <-c.replies:
		}
		data, err := json.Marshal(u)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow reader; a later snapshot supersedes this one.
		}
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
