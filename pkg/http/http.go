// Copyright The Swapd Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	logger "github.com/dynswap/swapd/pkg/log"
)

// ServeMux is a multiplexer for HTTP request handlers.
type ServeMux struct {
	mux *http.ServeMux
}

// Handle registers a handler for the given pattern.
func (m *ServeMux) Handle(pattern string, handler http.Handler) {
	m.mux.Handle(pattern, handler)
}

// HandleFunc registers a handler function for the given pattern.
func (m *ServeMux) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	m.mux.HandleFunc(pattern, handler)
}

// ServeHTTP dispatches a request to the registered handler.
func (m *ServeMux) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.mux.ServeHTTP(w, req)
}

// Server serves HTTP requests for a set of registered handlers.
type Server struct {
	sync.Mutex
	mux      *ServeMux
	server   *http.Server
	listener net.Listener
	log      logger.Logger
}

// NewServer creates a new HTTP server instance.
func NewServer() *Server {
	return &Server{
		mux: &ServeMux{mux: http.NewServeMux()},
		log: logger.NewLogger("http"),
	}
}

// GetMux returns the request multiplexer of the server.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// Start starts the server listening on the given address.
func (s *Server) Start(addr string) error {
	s.Lock()
	defer s.Unlock()

	if addr == "" {
		s.log.Info("HTTP server is disabled")
		return nil
	}
	if s.listener != nil {
		return errors.Errorf("HTTP server already running on %s",
			s.listener.Addr().String())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("HTTP server listening on %s", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server exited: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	if s.server != nil {
		s.server.Close()
		s.server = nil
		s.listener = nil
	}
}
