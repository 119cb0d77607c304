// Package wschan carries channel commands over a websocket.
//
// A Server wraps any channel.Dispatcher (typically an image opened
// with imagechan) and serves it to Clients. Each websocket message
// holds one command record encoded with bstruct. Requests on one
// connection are answered in order.
package wschan

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/fasthttp/websocket"

	"gitlab.com/stephen-fox/physkit/channel"
)

// DefaultExitFn is invoked by functions and methods ending in
// the "OrExit" suffix when an error occurs.
var DefaultExitFn = func(err error) {
	log.Fatalln(err)
}

// Server serves a dispatcher to websocket clients. It implements
// http.Handler.
type Server struct {
	Dispatcher channel.Dispatcher

	// OptLogger, when non-nil, logs connections and
	// protocol errors.
	OptLogger *log.Logger

	upgrader websocket.Upgrader
}

func (o *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logf("wschan: failed to upgrade connection from %s - %s", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	o.logf("wschan: client connected from %s", r.RemoteAddr)

	err = o.serve(conn)
	if err != nil {
		o.logf("wschan: closing connection from %s - %s", r.RemoteAddr, err)
	}
}

func (o *Server) serve(conn *websocket.Conn) error {
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if msgType != websocket.BinaryMessage {
			return fmt.Errorf("unexpected message type: %d", msgType)
		}

		rec, err := decodeRequest(raw)
		if err != nil {
			// Every request gets a response.
			o.logf("wschan: %s", err)
			rec = &channel.CommandRecord{Status: channel.StatusInvalidParameter}
		} else {
			o.Dispatcher.Dispatch(rec)
		}

		resp, err := encodeResponse(rec)
		if err != nil {
			return err
		}

		err = conn.WriteMessage(websocket.BinaryMessage, resp)
		if err != nil {
			return err
		}
	}
}

func (o *Server) logf(format string, v ...interface{}) {
	if o.OptLogger != nil {
		o.OptLogger.Printf(format, v...)
	}
}

// Dial connects to the Server at url (for example,
// "ws://127.0.0.1:7885/").
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s - %w", url, err)
	}

	return &Client{
		conn: conn,
	}, nil
}

// DialOrExit calls Dial. It calls DefaultExitFn if an error occurs.
func DialOrExit(url string) *Client {
	c, err := Dial(url)
	if err != nil {
		DefaultExitFn(err)
	}

	return c
}

// Client is a channel.Dispatcher that forwards every command to a
// Server. Transport failures are reported as StatusUnsuccessful and
// the failure is kept for Err.
type Client struct {
	// OptLogger, when non-nil, logs transport failures.
	OptLogger *log.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	err  error
}

func (o *Client) Dispatch(rec *channel.CommandRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.roundTrip(rec)
	if err != nil {
		o.err = err
		rec.Status = channel.StatusUnsuccessful

		if o.OptLogger != nil {
			o.OptLogger.Printf("wschan: %s failed - %s", rec.Opcode, err)
		}
	}
}

func (o *Client) roundTrip(rec *channel.CommandRecord) error {
	raw, err := encodeRequest(rec)
	if err != nil {
		return err
	}

	err = o.conn.WriteMessage(websocket.BinaryMessage, raw)
	if err != nil {
		return fmt.Errorf("failed to send request - %w", err)
	}

	_, raw, err = o.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read response - %w", err)
	}

	return decodeResponse(raw, rec)
}

// Err returns the most recent transport failure.
func (o *Client) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.err
}

// Close closes the connection.
func (o *Client) Close() error {
	return o.conn.Close()
}
