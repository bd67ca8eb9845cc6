package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/jsonx"
)

// Transport carries JSON-RPC traffic to and from the server.
type Transport interface {
	Serve(ctx context.Context, handler RequestHandler) error
}

// RequestHandler handles decoded requests.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req Request) Response
}

// StdioTransport reads newline-delimited JSON-RPC from stdin and answers on
// stdout. This is the transport agent hosts spawn the binary with.
type StdioTransport struct {
	in     io.Reader
	out    io.Writer
	logger *zap.Logger
	mu     sync.Mutex
}

// NewStdioTransport wires the process's stdin and stdout.
func NewStdioTransport(logger *zap.Logger) *StdioTransport {
	return &StdioTransport{in: os.Stdin, out: os.Stdout, logger: logger.Named("stdio")}
}

// Serve pumps requests until EOF or context cancellation.
func (t *StdioTransport) Serve(ctx context.Context, handler RequestHandler) error {
	// encoding/json's streaming decoder tolerates both newline-delimited
	// and concatenated JSON objects on the pipe.
	decoder := json.NewDecoder(bufio.NewReader(t.in))
	encoder := jsonx.NewEncoder(t.out)

	t.logger.Info("stdio transport started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("stdio transport stopping")
			return ctx.Err()
		default:
		}

		var req Request
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				t.logger.Info("stdin closed, stopping")
				return nil
			}
			t.logger.Debug("skipping undecodable request", zap.Error(err))
			continue
		}

		resp := handler.HandleRequest(ctx, req)

		t.mu.Lock()
		err := encoder.Encode(resp)
		t.mu.Unlock()
		if err != nil {
			t.logger.Error("failed to write response", zap.Error(err))
			return err
		}
	}
}

// HTTPTransport serves the same protocol on a single POST endpoint, for
// clients that cannot spawn a subprocess.
type HTTPTransport struct {
	addr   string
	server *http.Server
	logger *zap.Logger
}

// NewHTTPTransport binds to addr.
func NewHTTPTransport(addr string, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{addr: addr, logger: logger.Named("http")}
}

// Serve blocks until the context is cancelled, then shuts down gracefully.
func (t *HTTPTransport) Serve(ctx context.Context, handler RequestHandler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		resp := handler.HandleRequest(r.Context(), req)
		_ = jsonx.NewEncoder(w).Encode(resp)
	})

	t.server = &http.Server{Addr: t.addr, Handler: mux}
	t.logger.Info("http transport started", zap.String("addr", t.addr))

	errCh := make(chan error, 1)
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	t.logger.Info("http transport stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.server.Shutdown(shutdownCtx)
}
