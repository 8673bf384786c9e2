package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"reliefhub.org/internal/obs"
)

type client struct {
	base string
	http *http.Client
}

func (c *client) call(ctx context.Context, method, path, token string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) token(ctx context.Context, user string) (string, error) {
	var res struct {
		Token string `json:"token"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/auth/token", "", map[string]string{"user": user}, &res); err != nil {
		return "", err
	}
	return res.Token, nil
}

type document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Version int64  `json:"version"`
}

func main() {
	log := obs.Logger()
	base := os.Getenv("RELIEFHUB_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	var (
		baseURL = flag.String("base", base, "API base URL")
		owner   = flag.String("owner", "coordinator", "user creating the document")
		peer    = flag.String("peer", "medic", "user joining the document")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c := &client{base: strings.TrimRight(*baseURL, "/"), http: &http.Client{Timeout: 5 * time.Second}}
	fail := func(step string, err error) {
		log.Fatal().Err(err).Str("step", step).Msg("smoke test failed")
	}

	ownerTok, err := c.token(ctx, *owner)
	if err != nil {
		fail("owner token", err)
	}
	peerTok, err := c.token(ctx, *peer)
	if err != nil {
		fail("peer token", err)
	}

	var doc document
	if err := c.call(ctx, http.MethodPost, "/v1/documents", ownerTok, map[string]any{
		"title":   "Smoke evacuation plan",
		"content": "Hello",
		"type":    "EMERGENCY_PLAN",
	}, &doc); err != nil {
		fail("create", err)
	}
	if err := c.call(ctx, http.MethodPost, "/v1/documents/"+doc.ID+"/join", peerTok, nil, nil); err != nil {
		fail("join", err)
	}

	// The peer watches over WebSocket while the owner edits over REST.
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/v1/documents/" + doc.ID + "/ws?access_token=" + url.QueryEscape(peerTok)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		fail("ws dial", err)
	}
	defer conn.Close()
	var hello struct {
		Type    string `json:"type"`
		Version int64  `json:"version"`
	}
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		fail("ws hello", fmt.Errorf("frame %+v: %v", hello, err))
	}

	var applied struct {
		Document document `json:"document"`
		Version  int64    `json:"version"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/documents/"+doc.ID+"/changes", ownerTok, map[string]any{
		"base_version": doc.Version,
		"changes": []map[string]any{
			{"type": "INSERT", "position": 5, "text": " World"},
		},
	}, &applied); err != nil {
		fail("apply", err)
	}
	if applied.Version != doc.Version+1 || applied.Document.Content != "Hello World" {
		fail("apply", fmt.Errorf("unexpected result version=%d content=%q", applied.Version, applied.Document.Content))
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame struct {
			Type    string `json:"type"`
			Version int64  `json:"version"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			fail("ws event", err)
		}
		if frame.Type == "event" && frame.Version == applied.Version {
			break
		}
	}

	var final document
	if err := c.call(ctx, http.MethodGet, "/v1/documents/"+doc.ID, peerTok, nil, &final); err != nil {
		fail("get", err)
	}
	if final.Version != applied.Version || final.Content != "Hello World" {
		fail("verify", fmt.Errorf("document drifted: version=%d content=%q", final.Version, final.Content))
	}

	log.Info().Str("document_id", doc.ID).Int64("version", final.Version).Msg("collab smoke test passed")
}
