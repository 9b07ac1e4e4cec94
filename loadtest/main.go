package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:5000"
	WSURL     = "ws://localhost:5000/ws"
	UserCount = 500 // ⚠️ Start small. Each pair is two sockets plus 2*MsgCount inserts.
	MsgCount  = 20  // Messages per user
)

type AuthResponse struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var (
	sent     atomic.Int64
	received atomic.Int64
	receipts atomic.Int64
)

func main() {
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", UserCount*2, MsgCount)
	start := time.Now()
	var wg sync.WaitGroup

	// We will create pairs: User 0 talks to User 1, User 2 talks to User 3...
	for i := 0; i < UserCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s: sent=%d received=%d receipts=%d",
		time.Since(start).Round(time.Millisecond), sent.Load(), received.Load(), receipts.Load())
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a@loadtest.local", pairID)
	userB := fmt.Sprintf("u_%d_b@loadtest.local", pairID)
	pass := "password123"

	// 1. Sign up & sign in
	if authenticate(userA, pass) == "" || authenticate(userB, pass) == "" {
		return
	}

	// 2. Open both sockets and register
	connA := dial(userA)
	if connA == nil {
		return
	}
	defer connA.Close()
	connB := dial(userB)
	if connB == nil {
		return
	}
	defer connB.Close()

	// 3. Contact handshake
	emit(connA, "sendContactRequest", map[string]string{"from": userA, "to": userB})
	emit(connB, "acceptContactRequest", map[string]string{"user": userB, "from": userA})

	// 4. Spam chat messages both ways; every received message is marked read
	var wsWg sync.WaitGroup
	wsWg.Add(4)
	go spamChat(&wsWg, connA, userA, userB)
	go spamChat(&wsWg, connB, userB, userA)
	go readLoop(&wsWg, connA, userA)
	go readLoop(&wsWg, connB, userB)
	wsWg.Wait()
}

// authenticate signs up (ignores error if exists) and signs in
func authenticate(email, password string) string {
	creds := map[string]string{"email": email, "password": password}

	if resp, err := postJSON("/api/auth/signup", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/api/auth/signin", creds)
	if err != nil {
		log.Printf("❌ Signin Failed [%s]: %v", email, err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ Signin Failed [%s]: status %d", email, resp.StatusCode)
		return ""
	}

	var data AuthResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.Token
}

func dial(email string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(WSURL, nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", email, err)
		return nil
	}
	if err := emit(conn, "register", map[string]string{"identity": email}); err != nil {
		log.Printf("❌ Register Fail [%s]: %v", email, err)
		conn.Close()
		return nil
	}
	return conn
}

var writeMu sync.Map // *websocket.Conn -> *sync.Mutex

// emit serializes writes per connection; gorilla allows one concurrent writer.
func emit(conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	mu, _ := writeMu.LoadOrStore(conn, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()
	return conn.WriteJSON(envelope{Event: event, Data: data})
}

func spamChat(wg *sync.WaitGroup, conn *websocket.Conn, from, to string) {
	defer wg.Done()

	for i := 0; i < MsgCount; i++ {
		err := emit(conn, "chatMessage", map[string]string{
			"sender":   from,
			"receiver": to,
			"text":     fmt.Sprintf("LoadTest Msg %d from %s", i, from),
		})
		if err != nil {
			log.Printf("❌ Send Fail [%s]: %v", from, err)
			return
		}
		sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("✅ %s finished sending %d msgs", from, MsgCount)
}

// readLoop drains the socket until the peer's messages have all arrived or it
// goes quiet.
func readLoop(wg *sync.WaitGroup, conn *websocket.Conn, me string) {
	defer wg.Done()

	got := 0
	for got < MsgCount {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			log.Printf("⚠️ %s stopped reading after %d msgs: %v", me, got, err)
			return
		}

		switch env.Event {
		case "chatMessage":
			var msg struct {
				ID     string `json:"id"`
				Sender string `json:"sender"`
			}
			json.Unmarshal(env.Data, &msg)
			if msg.Sender == me {
				continue // our own echo
			}
			got++
			received.Add(1)
			emit(conn, "messageRead", map[string]string{"messageId": msg.ID, "reader": me})
		case "messageReadReceipt":
			receipts.Add(1)
		case "error", "requestError":
			log.Printf("⚠️ %s got %s: %s", me, env.Event, env.Data)
		}
	}
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(BaseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
