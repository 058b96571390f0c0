package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	baseURL  = flag.String("base", "http://localhost:8080", "server base url")
	pairs    = flag.Int("pairs", 100, "customer/vendor pairs")
	msgCount = flag.Int("messages", 20, "messages per user")
	parallel = flag.Int("parallel", 50, "pairs running at once")
)

type loginResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type placeOrderResponse struct {
	Order struct {
		ID string `json:"id"`
	} `json:"order"`
	ConversationID string `json:"conversation_id"`
}

type action struct {
	Action         string `json:"action"`
	OrderID        string `json:"order_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text,omitempty"`
}

var sent, failed atomic.Int64

func main() {
	flag.Parse()
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	log := logger.Sugar()

	log.Infof("starting load test: %d pairs, %d messages each", *pairs, *msgCount)
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(*parallel)
	for i := 0; i < *pairs; i++ {
		pairID := i
		g.Go(func() error {
			if err := runPair(pairID); err != nil {
				log.Warnw("pair failed", "pair", pairID, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	log.Infow("load test complete",
		"sent", sent.Load(),
		"failed", failed.Load(),
		"elapsed", time.Since(start).String(),
	)
}

// runPair has a customer order from a vendor, then both sides chat about the
// order over their websockets.
func runPair(pairID int) error {
	pass := "password123"
	shop := fmt.Sprintf("lt_shop_%d", pairID)
	buyer := fmt.Sprintf("lt_buyer_%d", pairID)

	// Registration fails harmlessly when the users exist from an earlier run.
	register(map[string]string{"username": shop, "password": pass, "role": "vendor", "shop_name": "Shop " + shop})
	register(map[string]string{"username": buyer, "password": pass, "role": "customer"})

	vendor, err := login(shop, pass)
	if err != nil {
		return err
	}
	customer, err := login(buyer, pass)
	if err != nil {
		return err
	}

	var placed placeOrderResponse
	resp, err := postJSON("/api/orders", customer.Token, map[string]any{
		"shop_id": vendor.ID,
		"summary": "load test order",
		"total":   1000,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("place order: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&placed); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error { return chat(customer.Token, placed.Order.ID, placed.ConversationID, buyer) })
	g.Go(func() error { return chat(vendor.Token, placed.Order.ID, placed.ConversationID, shop) })
	return g.Wait()
}

func register(req map[string]string) {
	if resp, err := postJSON("/register", "", req); err == nil {
		resp.Body.Close()
	}
}

func login(username, password string) (*loginResponse, error) {
	resp, err := postJSON("/login", "", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login %s: %s", username, resp.Status)
	}
	var data loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

func chat(token, orderID, convID, user string) error {
	wsURL := strings.Replace(*baseURL, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("ws connect %s: %w", user, err)
	}
	defer conn.Close()

	// Drain updates so the server never blocks on this connection.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(action{Action: "open_chat", OrderID: orderID}); err != nil {
		return err
	}
	for i := 0; i < *msgCount; i++ {
		text := fmt.Sprintf("load test msg %d from %s", i, user)
		if err := conn.WriteJSON(action{Action: "draft", ConversationID: convID, Text: text}); err != nil {
			failed.Add(1)
			return err
		}
		if err := conn.WriteJSON(action{Action: "send", ConversationID: convID}); err != nil {
			failed.Add(1)
			return err
		}
		sent.Add(1)
		// One send in flight per conversation; give it time to land.
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func postJSON(endpoint, token string, data any) (*http.Response, error) {
	body, _ := json.Marshal(data)
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
