package transport

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
)

func newTestConnection(t *testing.T) (*Connection, *sync.WaitGroup) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	wg := &sync.WaitGroup{}
	wg.Add(1) // Run would do this before the pumps start
	return NewConnection(context.Background(), wg, nil, ConnectionConfig{}, nil, nil, logger), wg
}

func TestSendAfterCloseDoesNotPanic(t *testing.T) {
	conn, wg := newTestConnection(t)
	conn.Close(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.Send([]byte("late"))
		conn.Send([]byte("later"))
	}()
	<-done
	<-conn.Done()
	wg.Wait()
}

func TestConcurrentSendDuringClose(t *testing.T) {
	conn, _ := newTestConnection(t)

	var senders sync.WaitGroup
	for i := 0; i < 8; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for j := 0; j < 100; j++ {
				conn.Send([]byte("payload"))
			}
		}()
	}
	conn.Close(nil)
	senders.Wait()
	<-conn.Done()
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, _ := newTestConnection(t)
	conn.Close(nil)
	conn.Close(nil)
	<-conn.Done()
}
