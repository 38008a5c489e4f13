package client

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/amid/internal/wire"
)

// fakeServer answers a handful of actions the way the manager does.
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{t: t, ln: ln}
	go s.accept()
	t.Cleanup(func() {
		_ = ln.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	})
	return s
}

func (s *fakeServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *fakeServer) push(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_, _ = c.Write([]byte(text))
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	var writeMu sync.Mutex
	write := func(text string) {
		writeMu.Lock()
		_, _ = conn.Write([]byte(text))
		writeMu.Unlock()
	}
	write("Asterisk Call Manager/1.1\r\n")
	rd := wire.NewReader(conn)
	for {
		msg, err := rd.ReadMessage()
		if err != nil {
			return
		}
		id := msg.Get("ActionID")
		switch strings.ToLower(msg.Get("Action")) {
		case "challenge":
			write("Response: Success\r\nChallenge: 424242\r\nActionID: " + id + "\r\n\r\n")
		case "login":
			sum := md5.Sum([]byte("424242" + "pw"))
			if msg.Get("Secret") == "pw" || msg.Get("Key") == hex.EncodeToString(sum[:]) {
				write("Response: Success\r\nActionID: " + id + "\r\nMessage: Authentication accepted\r\n\r\n")
			} else {
				write("Response: Error\r\nActionID: " + id + "\r\nMessage: Authentication failed\r\n\r\n")
			}
		case "slow":
			// replies out of order with the next action
			go func() {
				time.Sleep(50 * time.Millisecond)
				write("Response: Success\r\nActionID: " + id + "\r\nMessage: slow\r\n\r\n")
			}()
		case "command":
			write("Response: Follows\r\nPrivilege: Command\r\nActionID: " + id + "\r\nline one\nline two\n--END COMMAND--\r\n\r\n")
		case "status":
			write("Response: Success\r\nActionID: " + id + "\r\nEventList: start\r\n\r\n" +
				"Event: Status\r\nActionID: " + id + "\r\nChannel: SIP/1\r\n\r\n" +
				"Event: Hangup\r\nChannel: SIP/9\r\n\r\n" +
				"Event: Status\r\nActionID: " + id + "\r\nChannel: SIP/2\r\n\r\n" +
				"Event: StatusComplete\r\nActionID: " + id + "\r\nEventList: Complete\r\nListItems: 2\r\n\r\n")
		case "logoff":
			write("Response: Goodbye\r\nActionID: " + id + "\r\nMessage: Thanks for all the fish.\r\n\r\n")
			_ = conn.Close()
			return
		case "hang":
		default:
			write("Response: Success\r\nActionID: " + id + "\r\nPing: Pong\r\n\r\n")
		}
	}
}

func dialFake(t *testing.T, s *fakeServer) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, s.ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLoginVariants(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)
	if c.Banner() != "Asterisk Call Manager/1.1" {
		t.Fatalf("banner %q", c.Banner())
	}
	ctx := testContext(t)
	if err := c.Login(ctx, "admin", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	var actionErr *ActionError
	if err := c.Login(ctx, "admin", "wrong"); !errors.As(err, &actionErr) || actionErr.Message != "Authentication failed" {
		t.Fatalf("expected ActionError, got %v", err)
	}
	if err := c.LoginMD5(ctx, "admin", "pw"); err != nil {
		t.Fatalf("md5 login: %v", err)
	}
}

func TestRepliesMatchedByActionID(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)
	ctx := testContext(t)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		resp, err := c.Action(ctx, "Slow")
		if err == nil && resp.Message() != "slow" {
			err = fmt.Errorf("slow reply %v", resp.Block)
		}
		errs <- err
	}()
	go func() {
		defer wg.Done()
		resp, err := c.Action(ctx, "Ping")
		if err == nil && resp.Get("Ping") != "Pong" {
			err = fmt.Errorf("ping reply %v", resp.Block)
		}
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestCommandOutput(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)
	out, err := c.Command(testContext(t), "core show channels")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if out != "line one\nline two\n" {
		t.Fatalf("output %q", out)
	}
}

func TestActionListAndUnsolicitedEvents(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)
	resp, err := c.ActionList(testContext(t), "Status", "")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(resp.Events) != 3 || resp.Events[2].Name() != "StatusComplete" || resp.Events[1].Get("Channel") != "SIP/2" {
		t.Fatalf("list events %v", resp.Events)
	}
	select {
	case ev := <-c.Events():
		if ev.Name() != "Hangup" || ev.Get("Channel") != "SIP/9" {
			t.Fatalf("unsolicited event %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no unsolicited event")
	}

	s.push("Event: Reload\r\nModule: manager\r\n\r\n")
	select {
	case ev := <-c.Events():
		if ev.Name() != "Reload" {
			t.Fatalf("pushed event %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no pushed event")
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)
	done := make(chan error, 1)
	go func() {
		_, err := c.Action(context.Background(), "Hang")
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	_ = c.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call not released")
	}
	if _, ok := <-c.Events(); ok {
		t.Fatalf("events channel still open")
	}
	if _, err := c.Action(context.Background(), "Ping"); !errors.Is(err, ErrClosed) {
		t.Fatalf("action after close: %v", err)
	}
}

func TestLogoffEndsConnection(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)
	if err := c.Logoff(testContext(t)); err != nil {
		t.Fatalf("logoff: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !errors.Is(c.Err(), ErrClosed) {
		t.Fatalf("err after logoff %v", c.Err())
	}
}

func TestActionContextCancel(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Action(ctx, "Hang"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
