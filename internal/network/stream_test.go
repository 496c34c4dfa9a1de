package network

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/energizer-project/rconbridge/internal/protocol"
)

func startLineServer(t *testing.T, script func(conn net.Conn, r *bufio.Reader)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn, bufio.NewReader(conn))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestTelnetPasswordHandshake(t *testing.T) {
	got := make(chan string, 2)
	host, port := startLineServer(t, func(conn net.Conn, r *bufio.Reader) {
		conn.Write([]byte("Please enter password:\r\n"))
		pw, _ := r.ReadString('\n')
		got <- strings.TrimSpace(pw)
		conn.Write([]byte("Logon successful.\r\n"))

		cmd, _ := r.ReadString('\n')
		got <- strings.TrimSpace(cmd)
		conn.Write([]byte("\r\nExecuting command 'listplayers' by Telnet\r\n"))
		conn.Write([]byte("Total of 0 in the game\r\n"))
		time.Sleep(100 * time.Millisecond)
	})

	tr := NewTelnetTransport(Options{})
	if err := tr.Connect(context.Background(), host, port, ""); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if err := tr.Authenticate(context.Background(), protocol.Packet{ID: 1, Kind: protocol.KindLoginRequest, Message: "pw"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if pw := <-got; pw != "pw" {
		t.Fatalf("server received password %q", pw)
	}

	if _, err := tr.WriteOne(protocol.Packet{ID: 2, Kind: protocol.KindCommandRequest, Message: "listplayers"}); err != nil {
		t.Fatal(err)
	}
	if cmd := <-got; cmd != "listplayers" {
		t.Fatalf("server received %q", cmd)
	}

	first, err := tr.ReadOne(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != 2 || !strings.Contains(first.Message, "Executing command") {
		t.Errorf("first line: %+v", first)
	}
	second, err := tr.ReadOne(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != 0 || second.Message != "Total of 0 in the game" {
		t.Errorf("second line: %+v", second)
	}
}

func TestTelnetPasswordRejected(t *testing.T) {
	host, port := startLineServer(t, func(conn net.Conn, r *bufio.Reader) {
		conn.Write([]byte("Please enter password:\r\n"))
		r.ReadString('\n')
		conn.Write([]byte("Password incorrect, please enter password:\r\n"))
		time.Sleep(100 * time.Millisecond)
	})

	tr := NewTelnetTransport(Options{})
	if err := tr.Connect(context.Background(), host, port, ""); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	err := tr.Authenticate(context.Background(), protocol.Packet{ID: 1, Kind: protocol.KindLoginRequest, Message: "bad"})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestTelnetEmptySecretWithPrompt(t *testing.T) {
	host, port := startLineServer(t, func(conn net.Conn, r *bufio.Reader) {
		conn.Write([]byte("Please enter password:\r\n"))
		time.Sleep(100 * time.Millisecond)
	})

	tr := NewTelnetTransport(Options{})
	if err := tr.Connect(context.Background(), host, port, ""); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	err := tr.Authenticate(context.Background(), protocol.Packet{ID: 1, Kind: protocol.KindLoginRequest})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func startWebRCON(t *testing.T, password string) (string, int) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.URL.Path, "/") != password {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Unsolicited chat first, then the reply with a numeric identifier.
		conn.WriteMessage(websocket.TextMessage, []byte(`{"Message":"[CHAT] hi","Identifier":0,"Type":"Chat"}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, _ := protocol.DecodeEnvelope(data)
			reply := `{"Message":"echo ` + env.Message + `","Identifier":` + strconv.Itoa(int(env.Identifier)) + `,"Type":"Generic"}`
			conn.WriteMessage(websocket.TextMessage, []byte(reply))
		}
	}))
	t.Cleanup(srv.Close)

	addr := srv.Listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestWebSocketExchange(t *testing.T) {
	host, port := startWebRCON(t, "s3cret")

	tr := NewWebSocketTransport(Options{})
	if err := tr.Connect(context.Background(), host, port, "s3cret"); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if !tr.Polls() {
		t.Fatal("websocket transport must poll")
	}

	if _, err := tr.WriteOne(protocol.Packet{ID: 5, Kind: protocol.KindCommandRequest, Message: "status"}); err != nil {
		t.Fatal(err)
	}

	chat, err := tr.ReadOne(time.Second)
	if err != nil || chat.ID != 0 || chat.Message != "[CHAT] hi" {
		t.Fatalf("chat: %+v %v", chat, err)
	}
	reply, err := tr.ReadOne(time.Second)
	if err != nil || reply.ID != 5 || reply.Message != "echo status" {
		t.Fatalf("reply: %+v %v", reply, err)
	}
}

func TestWebSocketLogsEnvelopeTypeAtDebug(t *testing.T) {
	host, port := startWebRCON(t, "s3cret")

	var buf bytes.Buffer
	tr := NewWebSocketTransport(Options{})
	tr.logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	if err := tr.Connect(context.Background(), host, port, "s3cret"); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if _, err := tr.ReadOne(time.Second); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"type":"Chat"`) {
		t.Fatalf("log = %s", buf.String())
	}
}

func TestWebSocketWrongPassword(t *testing.T) {
	host, port := startWebRCON(t, "s3cret")

	tr := NewWebSocketTransport(Options{})
	err := tr.Connect(context.Background(), host, port, "nope")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if strings.Contains(err.Error(), "nope") {
		t.Fatalf("secret leaked into error: %v", err)
	}
}
