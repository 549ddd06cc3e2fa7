// Package nrmtest provides an in-process resource manager daemon that
// speaks the same wire protocol as the real one. Tests use it to observe
// which scopes, sensors and events an agent left behind.
package nrmtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Guliveer/nrmextra/internal/codec"
	"github.com/Guliveer/nrmextra/internal/models"
	"github.com/Guliveer/nrmextra/internal/nrm"
)

// Server is a fake daemon listening on loopback TCP.
type Server struct {
	rpc net.Listener
	pub net.Listener

	mu             sync.Mutex
	scopes         []models.Scope
	sensors        []models.Sensor
	sessions       map[string]string
	events         []models.Event
	failures       map[string]string
	noFindOrAdd    bool
	removedScopes  int
	removedSensors int

	conns  sync.WaitGroup
	active map[net.Conn]struct{}
}

// NewServer starts a daemon and stops it when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	rpc, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening rpc: %v", err)
	}
	pub, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		rpc.Close()
		t.Fatalf("listening pub: %v", err)
	}

	s := &Server{
		rpc:      rpc,
		pub:      pub,
		sessions: make(map[string]string),
		failures: make(map[string]string),
		active:   make(map[net.Conn]struct{}),
	}
	go s.acceptRPC()
	go s.acceptPub()

	t.Cleanup(s.Close)
	return s
}

// Close stops both listeners, drops open connections and waits for
// their handlers to return.
func (s *Server) Close() {
	s.rpc.Close()
	s.pub.Close()
	s.mu.Lock()
	for conn := range s.active {
		conn.Close()
	}
	s.mu.Unlock()
	s.conns.Wait()
}

func (s *Server) track(conn net.Conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.active[conn] = struct{}{}
	} else {
		delete(s.active, conn)
	}
}

// Options returns client options pointing at this server.
func (s *Server) Options(tool string) nrm.Options {
	return nrm.Options{
		URI:     "tcp://127.0.0.1",
		RPCPort: s.rpc.Addr().(*net.TCPAddr).Port,
		PubPort: s.pub.Addr().(*net.TCPAddr).Port,
		Timeout: 2 * time.Second,
		Tool:    tool,
	}
}

// DisableFindOrAdd makes the server answer find_or_add_scope as an
// unknown action, like a daemon without atomic registration.
func (s *Server) DisableFindOrAdd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noFindOrAdd = true
}

// FailAction makes every subsequent request for action fail with msg.
func (s *Server) FailAction(action, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[action] = msg
}

// SeedScope registers a scope as if another agent had added it.
func (s *Server) SeedScope(scope models.Scope) models.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope.ID = uuid.New().String()
	s.scopes = append(s.scopes, scope)
	return scope
}

// Scopes returns a copy of the registered scopes.
func (s *Server) Scopes() []models.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Scope(nil), s.scopes...)
}

// Sensors returns a copy of the registered sensors.
func (s *Server) Sensors() []models.Sensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Sensor(nil), s.sensors...)
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Events returns a copy of every event received so far.
func (s *Server) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

// RemovedScopes returns how many scopes were retracted by clients.
func (s *Server) RemovedScopes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removedScopes
}

// WaitEvents polls until at least n events arrived or timeout passes.
// Events travel on a separate stream from RPCs, so tests wait for them
// instead of assuming they were delivered when Send returned.
func (s *Server) WaitEvents(n int, timeout time.Duration) []models.Event {
	deadline := time.Now().Add(timeout)
	for {
		events := s.Events()
		if len(events) >= n || time.Now().After(deadline) {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitSettled polls until no event arrived for quiet, or timeout passes,
// and returns everything received. Use it to count a finished stream
// exactly, including anything sent beyond an expected minimum.
func (s *Server) WaitSettled(quiet, timeout time.Duration) []models.Event {
	deadline := time.Now().Add(timeout)
	events := s.Events()
	lastChange := time.Now()
	for {
		time.Sleep(5 * time.Millisecond)
		current := s.Events()
		now := time.Now()
		if len(current) != len(events) {
			events, lastChange = current, now
		}
		if now.Sub(lastChange) >= quiet || now.After(deadline) {
			return events
		}
	}
}

func (s *Server) acceptRPC() {
	for {
		conn, err := s.rpc.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)
		s.track(conn, true)
		go func() {
			defer s.conns.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.serveRPC(conn)
		}()
	}
}

func (s *Server) acceptPub() {
	for {
		conn, err := s.pub.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)
		s.track(conn, true)
		go func() {
			defer s.conns.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.servePub(conn)
		}()
	}
}

func (s *Server) servePub(conn net.Conn) {
	dec := codec.NewDecoder(conn)
	for {
		var event models.Event
		if err := dec.Decode(&event); err != nil {
			return
		}
		s.mu.Lock()
		s.events = append(s.events, event)
		s.mu.Unlock()
	}
}

func (s *Server) serveRPC(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	var request nrm.Request
	if err := codec.NewDecoder(io.LimitReader(conn, 1<<20)).Decode(&request); err != nil {
		return
	}

	var response nrm.Response
	data, err := s.handle(context.Background(), request)
	if err != nil {
		response.Error = err.Error()
	} else {
		response.OK = true
		if data != nil {
			encoded, err := codec.Marshal(data)
			if err != nil {
				response.OK = false
				response.Error = err.Error()
			} else {
				response.Data = encoded
			}
		}
	}
	codec.NewEncoder(conn).Encode(response)
}

func (s *Server) handle(_ context.Context, req nrm.Request) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg, ok := s.failures[req.Action]; ok {
		return nil, errors.New(msg)
	}

	switch req.Action {
	case nrm.ActionOpenSession:
		s.sessions[req.Session] = req.Tool
		return nil, nil

	case nrm.ActionCloseSession:
		delete(s.sessions, req.Session)
		return nil, nil

	case nrm.ActionAddSensor:
		if req.Sensor == nil {
			return nil, errors.New("missing sensor")
		}
		sensor := models.Sensor{ID: uuid.New().String(), Name: req.Sensor.Name}
		s.sensors = append(s.sensors, sensor)
		return sensor, nil

	case nrm.ActionRemoveSensor:
		if req.Sensor == nil {
			return nil, errors.New("missing sensor")
		}
		for i, existing := range s.sensors {
			if existing.ID == req.Sensor.ID {
				s.sensors = append(s.sensors[:i], s.sensors[i+1:]...)
				s.removedSensors++
				return nil, nil
			}
		}
		return nil, fmt.Errorf("sensor %q not found", req.Sensor.ID)

	case nrm.ActionListScopes:
		return append([]models.Scope{}, s.scopes...), nil

	case nrm.ActionAddScope:
		if req.Scope == nil {
			return nil, errors.New("missing scope")
		}
		return s.addScopeLocked(*req.Scope), nil

	case nrm.ActionRemoveScope:
		if req.Scope == nil {
			return nil, errors.New("missing scope")
		}
		for i, existing := range s.scopes {
			if existing.ID == req.Scope.ID {
				s.scopes = append(s.scopes[:i], s.scopes[i+1:]...)
				s.removedScopes++
				return nil, nil
			}
		}
		return nil, fmt.Errorf("scope %q not found", req.Scope.ID)

	case nrm.ActionFindOrAddScope:
		if s.noFindOrAdd {
			break
		}
		if req.Scope == nil {
			return nil, errors.New("missing scope")
		}
		for _, existing := range s.scopes {
			if existing.Equal(*req.Scope) {
				return nrm.FindOrAddResult{Scope: existing}, nil
			}
		}
		return nrm.FindOrAddResult{Scope: s.addScopeLocked(*req.Scope), Created: true}, nil
	}

	return nil, fmt.Errorf("%s %q", nrm.UnknownActionPrefix, req.Action)
}

func (s *Server) addScopeLocked(scope models.Scope) models.Scope {
	scope.ID = uuid.New().String()
	s.scopes = append(s.scopes, scope)
	return scope
}
