package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"ptybridge/internal/config"
	"ptybridge/internal/metrics"
	"ptybridge/internal/session"
	"ptybridge/internal/shell"
)

// sender is anything the daemon can push a message to.
type sender interface {
	Send(msg any)
}

// Client is one unix socket connection to the daemon.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	encoder *json.Encoder
}

// Send writes a JSON message to the client. Thread-safe.
func (c *Client) Send(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoder.Encode(msg) //nolint: encoder writes to socket, errors handled by disconnect
}

// wsClient is one websocket connection to the daemon.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send writes a JSON text frame. Thread-safe.
func (c *wsClient) Send(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteJSON(msg) //nolint: read loop notices a dead connection
}

var upgrader = websocket.Upgrader{
	// The endpoint is meant for a local webview, whose origin is often a
	// custom scheme.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
}

// daemon hosts one terminal session for every connected client.
type daemon struct {
	term terminal
	log  *zap.Logger

	clientsMu sync.Mutex
	clients   map[sender]bool
}

func newDaemon(term terminal, log *zap.Logger) *daemon {
	return &daemon{term: term, log: log, clients: make(map[sender]bool)}
}

func (d *daemon) register(c sender) {
	d.clientsMu.Lock()
	d.clients[c] = true
	d.clientsMu.Unlock()
}

func (d *daemon) unregister(c sender) {
	d.clientsMu.Lock()
	delete(d.clients, c)
	d.clientsMu.Unlock()
}

// broadcast sends msg to every connected client.
func (d *daemon) broadcast(msg any) {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	for c := range d.clients {
		c.Send(msg)
	}
}

func (d *daemon) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // Listener closed (shutdown).
		}
		go d.handleClient(conn)
	}
}

func (d *daemon) handleClient(conn net.Conn) {
	client := &Client{conn: conn, encoder: json.NewEncoder(conn)}
	d.register(client)
	defer func() {
		d.unregister(client)
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	// Allow lines up to 2MB (large pastes).
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		client.Send(dispatch(d.term, line))
	}
}

func (d *daemon) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{conn: conn}
	d.register(client)
	defer func() {
		d.unregister(client)
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				d.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		client.Send(dispatch(d.term, data))
	}
}

// exitPolicy broadcasts the exit event and, when the host follows the shell,
// exits after cleanup.
func (d *daemon) exitPolicy(onExit string, cleanup func()) session.ExitPolicy {
	return func(st session.ExitStatus) {
		d.broadcast(ExitEvent{Type: "exit", ExitCode: st.Code, Pid: d.term.Status().Pid})

		if onExit != "terminate" {
			d.log.Info("shell exited, daemon staying up", zap.Int32("exit_code", st.Code))
			return
		}
		cleanup()
		d.log.Info("daemon stopped", zap.Int32("exit_code", st.Code))
		d.log.Sync() //nolint: best effort before exit
		session.Terminate(st)
	}
}

func listenHTTP(addr string, handler http.Handler, log *zap.Logger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http listener failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("listening", zap.String("addr", addr))
	return srv
}

// runDaemon is the main daemon loop. Called by `ptybridge run`.
func runDaemon(cfg *config.Config, log *zap.Logger) error {
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", cfg.Home, err)
	}
	if err := os.WriteFile(cfg.PidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	log.Info("daemon starting", zap.Int("pid", os.Getpid()))

	// Remove stale socket.
	os.Remove(cfg.SocketPath())

	resolver, err := shell.NewResolver(cfg.Shell.Strategy, cfg.Shell.Fallback, cfg.Shell.Login)
	if err != nil {
		return err
	}
	decode, err := session.ParseDecode(cfg.Bridge.Decode)
	if err != nil {
		return err
	}
	ctl := session.NewController(
		session.WithSize(session.Size{Rows: cfg.Pty.Rows, Cols: cfg.Pty.Cols}),
		session.WithResolver(resolver),
		session.WithBridgeOptions(session.BridgeOptions{
			ReadChunk:  cfg.Bridge.ReadChunk,
			MaxPending: cfg.Bridge.MaxPending,
			Decode:     decode,
		}),
		session.WithLogger(log),
	)
	d := newDaemon(ctl, log.Named("daemon"))

	ln, err := net.Listen("unix", cfg.SocketPath())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.SocketPath(), err)
	}
	// Make socket accessible only to owner.
	os.Chmod(cfg.SocketPath(), 0o600)
	log.Info("listening", zap.String("socket", cfg.SocketPath()), zap.String("session", ctl.ID()))

	var servers []*http.Server
	if cfg.Listen.Websocket != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/pty", d.handleWebsocket)
		servers = append(servers, listenHTTP(cfg.Listen.Websocket, mux, log))
	}
	if cfg.Listen.Metrics != "" {
		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			return err
		}
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		servers = append(servers, listenHTTP(cfg.Listen.Metrics, mux, log))
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			ln.Close()
			for _, srv := range servers {
				srv.Close()
			}
			ctl.Close()
			os.Remove(cfg.SocketPath())
			os.Remove(cfg.PidPath())
		})
	}

	// The first client's create starts the shell.
	go ctl.Supervise(d.exitPolicy(cfg.Session.OnExit, cleanup))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals()...)
	go d.serve(ln)

	sig := <-sigCh
	log.Info("shutting down", zap.Stringer("signal", sig))
	cleanup()
	log.Info("daemon stopped")
	return nil
}
