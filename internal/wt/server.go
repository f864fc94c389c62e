// Package wt serves chat rooms over WebTransport. A client dials
// /wt/<room>, opens one bidirectional stream, and exchanges
// newline-delimited JSON frames on it. The first line may be empty; QUIC
// only announces a stream to the server once data has been written.
package wt

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"huddle/server/internal/protocol"
	"huddle/server/internal/session"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

const (
	acceptTimeout = 10 * time.Second
	writeTimeout  = 5 * time.Second
	maxLineBytes  = 1 << 16
)

// Server owns the HTTP/3 listener for WebTransport sessions.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	gateway   *session.Gateway
	origins   map[string]struct{}
	wt        *webtransport.Server
}

// New returns a server listening on addr (UDP) once Run is called.
func New(addr string, tlsConfig *tls.Config, gw *session.Gateway, allowedOrigins []string) *Server {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &Server{addr: addr, tlsConfig: tlsConfig, gateway: gw, origins: origins}
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/wt/{room}", s.handleSession)

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: http3.ConfigureTLSConfig(s.tlsConfig),
			Handler:   mux,
		},
		CheckOrigin: s.checkOrigin,
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	go func() {
		<-ctx.Done()
		_ = s.wt.Close()
	}()

	slog.Info("webtransport listening", "addr", s.addr)
	err := s.wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	_, ok := s.origins[r.Header.Get("Origin")]
	return ok
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	upgraded := false
	err := s.gateway.Connect(r.Context(), r, r.PathValue("room"), func() (session.Transport, error) {
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			return nil, err
		}
		upgraded = true

		ctx, cancel := context.WithTimeout(r.Context(), acceptTimeout)
		defer cancel()
		stream, err := sess.AcceptStream(ctx)
		if err != nil {
			_ = sess.CloseWithError(0, "no stream")
			return nil, err
		}
		return newTransport(sess, stream), nil
	})

	switch {
	case err == nil:
	case errors.Is(err, session.ErrInvalidRoom):
		http.Error(w, "invalid room id", http.StatusBadRequest)
	case errors.Is(err, session.ErrUnauthenticated):
		http.Error(w, "authentication required", http.StatusUnauthorized)
	case !upgraded:
		slog.Warn("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
	default:
		slog.Debug("webtransport session ended", "remote", r.RemoteAddr, "err", err)
	}
}

type transport struct {
	sess    *webtransport.Session
	stream  *webtransport.Stream
	scanner *bufio.Scanner
	once    sync.Once
}

func newTransport(sess *webtransport.Session, stream *webtransport.Stream) *transport {
	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return &transport{sess: sess, stream: stream, scanner: sc}
}

func (t *transport) Read(_ context.Context) ([]byte, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (t *transport) Write(ctx context.Context, ev protocol.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.stream.SetWriteDeadline(deadline)
	_, err = t.stream.Write(append(b, '\n'))
	return err
}

func (t *transport) Close(reason string) error {
	var err error
	t.once.Do(func() {
		_ = t.stream.Close()
		err = t.sess.CloseWithError(0, reason)
	})
	return err
}
