// Loadtest drives the full messaging flow: register, login, start a
// conversation, exchange messages over the channel, and mark read.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"proconnect/internal/client"
)

var (
	baseURL  = flag.String("base", "http://localhost:8080", "http base url")
	wsURL    = flag.String("ws", "ws://localhost:8080/ws", "websocket url")
	pairs    = flag.Int("pairs", 50, "number of conversation pairs")
	msgCount = flag.Int("messages", 20, "messages per user")
)

type authResponse struct {
	Token    string `json:"accessToken"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type conversationResponse struct {
	ID int `json:"id"`
}

func main() {
	flag.Parse()
	log.Printf("starting load test: %d pairs, %d messages each", *pairs, *msgCount)

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()

	log.Println("load test complete")
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	authA, err := authenticate(userA, pass)
	if err != nil {
		log.Printf("auth failed [%s]: %v", userA, err)
		return
	}
	authB, err := authenticate(userB, pass)
	if err != nil {
		log.Printf("auth failed [%s]: %v", userB, err)
		return
	}

	convID, err := startConversation(authA.Token, authB.ID)
	if err != nil {
		log.Printf("start conversation failed [%s]: %v", userA, err)
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go chatter(&wsWg, authA, convID)
	go chatter(&wsWg, authB, convID)
	wsWg.Wait()

	// Both sides mark the thread read at the end.
	markRead(authA.Token, convID)
	markRead(authB.Token, convID)
}

func chatter(wg *sync.WaitGroup, auth *authResponse, convID int) {
	defer wg.Done()

	ch := client.New(client.Config{
		URL:        *wsURL,
		Token:      auth.Token,
		RetryDelay: time.Second,
		MaxRetries: 3,
	})
	if err := ch.Connect(); err != nil {
		log.Printf("connect failed [%s]: %v", auth.Username, err)
		return
	}
	defer ch.Close()

	// Drain inbound events so the send buffer never backs up.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch.Events() {
		}
	}()

	if err := ch.JoinConversation(convID); err != nil {
		log.Printf("join failed [%s]: %v", auth.Username, err)
	}

	for i := 0; i < *msgCount; i++ {
		if err := ch.SendMessage(convID, fmt.Sprintf("msg %d from %s", i, auth.Username)); err != nil {
			log.Printf("send failed [%s]: %v", auth.Username, err)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Give the last fan-out a moment to land before tearing down.
	time.Sleep(time.Second)
	ch.Close()
	<-done
}

func authenticate(username, password string) (*authResponse, error) {
	// Register, ignoring failures for users that already exist.
	if resp, err := postJSON("/register", "", map[string]string{"username": username, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", "", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, err
	}
	if auth.Token == "" {
		return nil, fmt.Errorf("empty token")
	}
	return &auth, nil
}

func startConversation(token string, participantID int) (int, error) {
	resp, err := postJSON("/chat/conversations", token, map[string]int{"participantId": participantID})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var conv conversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return 0, err
	}
	return conv.ID, nil
}

func markRead(token string, convID int) {
	url := fmt.Sprintf("%s/chat/conversations/%d/read", *baseURL, convID)
	req, err := http.NewRequest(http.MethodPut, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if resp, err := http.DefaultClient.Do(req); err == nil {
		resp.Body.Close()
	}
}

func postJSON(path, token string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return resp, nil
}
