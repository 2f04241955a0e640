package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.viam.com/test"
)

func newTestBot(t *testing.T, handler http.HandlerFunc) *Bot {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	bot := NewBot("test-token", "12345")
	bot.baseURL = server.URL
	return bot
}

func TestSendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	bot := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		json.NewEncoder(w).Encode(Response{OK: true})
	})

	err := bot.SendMessage(context.Background(), "Person detected")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gotPath, test.ShouldEqual, "/bottest-token/sendMessage")
	test.That(t, gotBody["chat_id"], test.ShouldEqual, "12345")
	test.That(t, gotBody["text"], test.ShouldEqual, "Person detected")
}

func TestSendMessageAPIError(t *testing.T) {
	bot := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{OK: false, ErrorCode: 429, Description: "Too Many Requests"})
	})

	err := bot.SendMessage(context.Background(), "hello")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "429")
	test.That(t, err.Error(), test.ShouldContainSubstring, "Too Many Requests")
}

func TestSendMessageUnconfigured(t *testing.T) {
	bot := NewBot("", "")
	err := bot.SendMessage(context.Background(), "hello")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not configured")
}

func TestSendPhoto(t *testing.T) {
	var gotChatID, gotCaption, gotFilename string
	var gotPhoto []byte
	bot := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		test.That(t, r.ParseMultipartForm(1<<20), test.ShouldBeNil)
		gotChatID = r.FormValue("chat_id")
		gotCaption = r.FormValue("caption")
		file, header, err := r.FormFile("photo")
		test.That(t, err, test.ShouldBeNil)
		defer file.Close()
		gotFilename = header.Filename
		gotPhoto, _ = io.ReadAll(file)
		json.NewEncoder(w).Encode(Response{OK: true})
	})

	err := bot.SendPhoto(context.Background(), "Vehicle detected", []byte("jpeg-bytes"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gotChatID, test.ShouldEqual, "12345")
	test.That(t, gotCaption, test.ShouldEqual, "Vehicle detected")
	test.That(t, gotFilename, test.ShouldEqual, "event.jpg")
	test.That(t, string(gotPhoto), test.ShouldEqual, "jpeg-bytes")
}

func TestVerify(t *testing.T) {
	bot := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		test.That(t, r.URL.Path, test.ShouldEqual, "/bottest-token/getMe")
		json.NewEncoder(w).Encode(Response{
			OK:     true,
			Result: map[string]interface{}{"username": "vigil_bot"},
		})
	})

	username, err := bot.Verify(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, username, test.ShouldEqual, "vigil_bot")
}

func TestVerifyBadToken(t *testing.T) {
	bot := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{OK: false, ErrorCode: 401, Description: "Unauthorized"})
	})

	_, err := bot.Verify(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "401")
}
