package discord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/chaincord/internal/domain"
	"github.com/ashureev/chaincord/internal/stream"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	body   string
}

// fakeAPI serves canned JSON by "METHOD /path" and records requests.
type fakeAPI struct {
	mu        sync.Mutex
	responses map[string]string
	requests  []recordedRequest
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{responses: map[string]string{
		"GET /channels/general": `{"id":"general","type":0,"guild_id":"g1","parent_id":"cat-1","name":"general","topic":"<prompt>be kind</prompt>"}`,
		"GET /channels/thread-1": `{"id":"thread-1","type":11,"guild_id":"g1","parent_id":"general","name":"help"}`,
		"GET /channels/dm-1":     `{"id":"dm-1","type":1}`,
	}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if got := r.Header.Get("Authorization"); got != "Bot secret" {
			http.Error(w, "bad auth "+got, http.StatusUnauthorized)
			return
		}
		api.mu.Lock()
		api.requests = append(api.requests, recordedRequest{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: string(body)})
		resp, ok := api.responses[r.Method+" "+r.URL.Path]
		api.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Unknown Message","code":10008}`))
			return
		}
		if resp == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return api, NewClient(srv.Client(), srv.URL, "secret", nil)
}

func (a *fakeAPI) set(key, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[key] = body
}

func (a *fakeAPI) last(method, path string) (recordedRequest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.requests) - 1; i >= 0; i-- {
		if r := a.requests[i]; r.method == method && r.path == path {
			return r, true
		}
	}
	return recordedRequest{}, false
}

func TestGetMessageConvertsPayload(t *testing.T) {
	t.Parallel()

	api, client := newFakeAPI(t)
	api.set("GET /channels/general/messages/m2", `{
		"id":"m2","channel_id":"general","type":19,"content":"<@bot> hi",
		"author":{"id":"u1","username":"alice","global_name":"Alice"},
		"member":{"nick":"Ally","roles":["r1","r2"]},
		"mentions":[{"id":"bot"}],
		"embeds":[{"description":"quoted"},{"description":""}],
		"attachments":[{"filename":"a.txt","content_type":"text/plain; charset=utf-8","url":"https://cdn/a.txt"}],
		"message_reference":{"message_id":"m1","channel_id":"general"},
		"referenced_message":{"id":"m1","channel_id":"general","type":0,"content":"earlier","author":{"id":"bot","username":"chaincord","bot":true}}
	}`)

	msg, err := client.GetMessage(context.Background(), "general", "m2")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.Kind != domain.MessageReply || msg.Author.DisplayName != "Ally" || len(msg.Author.RoleIDs) != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Channel.Kind != domain.ChannelText || msg.Channel.CategoryID != "cat-1" {
		t.Fatalf("unexpected channel %+v", msg.Channel)
	}
	if !msg.Mentions("bot") || len(msg.EmbedDescriptions) != 1 || !msg.Attachments[0].IsText() {
		t.Fatalf("unexpected mentions/embeds/attachments %+v", msg)
	}
	if msg.Reference == nil || msg.Reference.Cached == nil || msg.Reference.Cached.Author.ID != "bot" {
		t.Fatalf("expected cached reference, got %+v", msg.Reference)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	t.Parallel()

	_, client := newFakeAPI(t)
	_, err := client.GetMessage(context.Background(), "general", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestThreadChannelInheritsCategory(t *testing.T) {
	t.Parallel()

	_, client := newFakeAPI(t)
	ch, err := client.Channel(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}
	if ch.Kind != domain.ChannelPublicThread || ch.ParentID != "general" || ch.CategoryID != "cat-1" {
		t.Fatalf("unexpected thread channel %+v", ch)
	}
}

func TestChannelIsCached(t *testing.T) {
	t.Parallel()

	api, client := newFakeAPI(t)
	for range 3 {
		if _, err := client.Channel(context.Background(), "dm-1"); err != nil {
			t.Fatalf("Channel failed: %v", err)
		}
	}
	api.mu.Lock()
	n := len(api.requests)
	api.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 request, got %d", n)
	}
}

func TestHistoryPrevious(t *testing.T) {
	t.Parallel()

	api, client := newFakeAPI(t)
	api.set("GET /channels/dm-1/messages", `[{"id":"m0","type":0,"content":"before","author":{"id":"bot","username":"chaincord"}}]`)
	history := NewHistory(client)

	prev, err := history.Previous(context.Background(), &domain.Message{ID: "m1", Channel: domain.Channel{ID: "dm-1"}})
	if err != nil {
		t.Fatalf("Previous failed: %v", err)
	}
	if prev == nil || prev.ID != "m0" || prev.Channel.Kind != domain.ChannelDM {
		t.Fatalf("unexpected previous message %+v", prev)
	}
	req, _ := api.last(http.MethodGet, "/channels/dm-1/messages")
	if !strings.Contains(req.query, "before=m1") || !strings.Contains(req.query, "limit=1") {
		t.Fatalf("unexpected query %q", req.query)
	}

	api.set("GET /channels/dm-1/messages", `[]`)
	prev, err = history.Previous(context.Background(), &domain.Message{ID: "m0", Channel: domain.Channel{ID: "dm-1"}})
	if err != nil || prev != nil {
		t.Fatalf("expected no previous message, got %+v, %v", prev, err)
	}
}

func TestSinkCreateAndEdit(t *testing.T) {
	t.Parallel()

	api, client := newFakeAPI(t)
	api.set("POST /channels/general/messages", `{"id":"r1"}`)
	api.set("PATCH /channels/general/messages/r1", `{"id":"r1"}`)
	sink := NewSink(client, "general")

	block := &stream.Block{Body: "hello ⚪", Model: "openai/gpt-4o", Warnings: []string{"⚠️ Unsupported attachments"}}
	id, err := sink.Create(context.Background(), "trigger", stream.Outgoing{Block: block})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id != "r1" {
		t.Fatalf("unexpected id %q", id)
	}

	req, _ := api.last(http.MethodPost, "/channels/general/messages")
	var sent messagePayload
	if err := json.Unmarshal([]byte(req.body), &sent); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if sent.MessageReference == nil || sent.MessageReference.MessageID != "trigger" {
		t.Fatalf("expected reply reference, got %+v", sent.MessageReference)
	}
	if sent.Flags&flagSilent == 0 {
		t.Fatal("expected silent flag")
	}
	if len(sent.Embeds) != 1 || sent.Embeds[0].Color != stream.ColorIncomplete || len(sent.Embeds[0].Fields) != 1 {
		t.Fatalf("unexpected embed %+v", sent.Embeds)
	}
	if !strings.Contains(sent.Embeds[0].Footer.Text, "Model: openai/gpt-4o") {
		t.Fatalf("unexpected footer %q", sent.Embeds[0].Footer.Text)
	}

	block.Body, block.Complete = "hello", true
	if err := sink.Edit(context.Background(), "r1", stream.Outgoing{Block: block}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	req, _ = api.last(http.MethodPatch, "/channels/general/messages/r1")
	if !strings.Contains(req.body, `"color":2067276`) {
		t.Fatalf("expected complete colour in edit, got %s", req.body)
	}
}

func TestSinkPlainSuppressesEmbeds(t *testing.T) {
	t.Parallel()

	api, client := newFakeAPI(t)
	api.set("POST /channels/general/messages", `{"id":"r1"}`)
	sink := NewSink(client, "general")

	if _, err := sink.Create(context.Background(), "", stream.Outgoing{Content: "plain"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	req, _ := api.last(http.MethodPost, "/channels/general/messages")
	var sent messagePayload
	if err := json.Unmarshal([]byte(req.body), &sent); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if sent.Content != "plain" || sent.Flags&flagSuppressEmbeds == 0 || sent.MessageReference != nil {
		t.Fatalf("unexpected plain payload %+v", sent)
	}
}

func TestPromptSourceFindsThread(t *testing.T) {
	t.Parallel()

	api, client := newFakeAPI(t)
	api.set("GET /guilds/g1/threads/active", `{"threads":[
		{"id":"t-other","type":11,"parent_id":"random","name":"system-prompt"},
		{"id":"t-sp","type":11,"parent_id":"general","name":"system-prompt"}
	]}`)
	api.set("GET /channels/t-sp", `{"id":"t-sp","type":11,"guild_id":"g1","parent_id":"general","name":"system-prompt"}`)
	api.set("GET /channels/t-sp/messages", `[{"id":"x","content":"You are a pirate.","author":{"id":"u1","username":"mod"}}]`)

	source := NewPromptSource(client)
	msg, err := source.PromptThread(context.Background(), "g1", "general")
	if err != nil {
		t.Fatalf("PromptThread failed: %v", err)
	}
	if msg == nil || msg.Content != "You are a pirate." {
		t.Fatalf("unexpected prompt message %+v", msg)
	}

	none, err := source.PromptThread(context.Background(), "g1", "elsewhere")
	if err != nil || none != nil {
		t.Fatalf("expected no thread, got %+v, %v", none, err)
	}

	topic, err := source.ChannelTopic(context.Background(), "general")
	if err != nil || topic != "<prompt>be kind</prompt>" {
		t.Fatalf("unexpected topic %q, %v", topic, err)
	}
}

func TestFetchAttachment(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("file body"))
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), srv.URL, "secret", nil)
	data, err := client.Fetch(context.Background(), srv.URL+"/a.txt")
	if err != nil || string(data) != "file body" {
		t.Fatalf("unexpected fetch result %q, %v", data, err)
	}
	if _, err := client.Fetch(context.Background(), srv.URL+"/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKeepTypingStops(t *testing.T) {
	t.Parallel()

	api, client := newFakeAPI(t)
	api.set("POST /channels/general/typing", "")

	stop := client.KeepTyping(context.Background(), "general")
	stop()

	if _, ok := api.last(http.MethodPost, "/channels/general/typing"); !ok {
		t.Fatal("expected a typing request")
	}
}
