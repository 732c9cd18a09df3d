package main

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// hub tracks connected clients so shutdown can close their sessions.
type hub struct {
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	sessions   sync.WaitGroup
	log        zerolog.Logger
}

func newHub(log zerolog.Logger) *hub {
	return &hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "hub").Logger(),
	}
}

func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			delete(h.clients, c)
		case <-h.stop:
			for c := range h.clients {
				c.kick()
			}
			h.log.Info().Int("clients", len(h.clients)).Msg("disconnected clients")
			return
		}
	}
}

// add registers c. It reports false once the hub is shutting down.
func (h *hub) add(c *client) bool {
	h.sessions.Add(1)
	select {
	case h.register <- c:
		return true
	case <-h.done:
		h.sessions.Done()
		return false
	}
}

// remove unregisters c after its session has been closed.
func (h *hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
	h.sessions.Done()
}

// shutdown disconnects every client and waits for their sessions to close.
func (h *hub) shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done

	closed := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(closed)
	}()
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
