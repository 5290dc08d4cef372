// Copyright 2024-2026 Aiku AI

package tg

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/watg-bridge/pkg/config"
)

const (
	testToken  = "123456789:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	testChatID = int64(-1001234567890)
)

// botCall records one Bot API request.
type botCall struct {
	Method string
	Params map[string]string
	Files  map[string]string
}

// fakeBotAPI simulates the Bot API over HTTP and records every call.
type fakeBotAPI struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []botCall

	// Results overrides the result payload per method.
	Results map[string]any
	// Errors makes a method fail with the given description.
	Errors map[string]string
	// Files maps file paths to download content.
	Files map[string][]byte
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()
	f := &fakeBotAPI{
		Results: map[string]any{},
		Errors:  map[string]string{},
		Files:   map[string][]byte{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeBotAPI) handle(w http.ResponseWriter, r *http.Request) {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/file/bot"+testToken+"/"); ok {
		f.mu.Lock()
		data, found := f.Files[rest]
		f.mu.Unlock()
		if !found {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
		return
	}

	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	call := botCall{Method: method, Params: map[string]string{}, Files: map[string]string{}}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				call.Params[k] = v[0]
			}
			for k, v := range r.MultipartForm.File {
				call.Files[k] = v[0].Filename
			}
		}
	} else if r.Body != nil {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		var body map[string]any
		if err := dec.Decode(&body); err == nil {
			for k, v := range body {
				call.Params[k] = fmt.Sprint(v)
			}
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	desc, failing := f.Errors[method]
	result, custom := f.Results[method]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failing {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": desc})
		return
	}
	if !custom {
		result = defaultResult(method)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func defaultResult(method string) any {
	switch {
	case strings.HasPrefix(method, "send") && method != "sendChatAction":
		return map[string]any{
			"message_id": 42,
			"date":       1700000000,
			"chat":       map[string]any{"id": testChatID, "type": "supergroup"},
		}
	case method == "createForumTopic":
		return map[string]any{"message_thread_id": 77, "name": "topic", "icon_color": 0x6FB9F0}
	case method == "getFile":
		return map[string]any{"file_id": "f1", "file_unique_id": "u1", "file_path": "photos/f1.jpg"}
	default:
		return true
	}
}

func (f *fakeBotAPI) Calls() []botCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]botCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeBotAPI) CallsTo(method string) []botCall {
	var out []botCall
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func testTelegramConfig(apiURL string) config.TelegramConfig {
	return config.TelegramConfig{
		BotToken:   testToken,
		ChatID:     testChatID,
		OwnerID:    1001,
		LogChannel: 2002,
		APIServer:  apiURL,
		Features:   config.Features{Topics: true},
	}
}

func newTestClient(t *testing.T, f *fakeBotAPI, mutate ...func(*config.TelegramConfig)) *Client {
	t.Helper()
	cfg := testTelegramConfig(f.Server.URL)
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}
