package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder1/vibeterm/internal/models"
)

func TestClientConnSerializesConcurrentWrites(t *testing.T) {
	const senders = 8
	const framesEach = 25

	received := make(chan models.Envelope, senders*framesEach)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		for i := 0; i < senders*framesEach; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env models.Envelope
			if !assert.NoError(t, json.Unmarshal(msg, &env), "frame corrupted by interleaved write") {
				return
			}
			received <- env
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	client := &clientConn{conn: conn}
	client.setSessionID("s1")

	// The stdin pump and the resize goroutine write concurrently in
	// production; gorilla allows only one writer at a time.
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < framesEach; j++ {
				err := client.send(models.EventSessionInput, models.SessionInputRequest{
					ID:   client.getSessionID(),
					Data: "x",
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < senders*framesEach; i++ {
		env := <-received
		assert.Equal(t, models.EventSessionInput, env.Event)
	}
}

func TestClientConnSessionIDGuarded(t *testing.T) {
	client := &clientConn{}
	assert.Empty(t, client.getSessionID())

	client.setSessionID("abc")
	assert.Equal(t, "abc", client.getSessionID())
}
