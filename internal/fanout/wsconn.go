package fanout

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nao1215/andon/pkg/logx"
)

// WSOptions はWSConnの送信設定。
type WSOptions struct {
	// SendBuffer は送信キューの長さ。溢れた接続は切断される。
	SendBuffer int
	// WriteTimeout は1フレームの書き込み期限。
	WriteTimeout time.Duration
	// PingInterval はpingの送信間隔。0ならpingを送らず読み込み期限も設けない。
	PingInterval time.Duration
}

func (o WSOptions) withDefaults() WSOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// WSConn はwebsocket接続。書き込みは Activate 後に起動する専用goroutineだけが行う。
type WSConn struct {
	id   string
	ws   *websocket.Conn
	opts WSOptions
	log  logx.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

// NewWSConn はアップグレード済みのwebsocket接続を包む。
// Activate を呼ぶまでSendされたフレームはキューに溜まるだけで書き込まれない。
func NewWSConn(ws *websocket.Conn, opts WSOptions, log logx.Logger) *WSConn {
	opts = opts.withDefaults()
	id := uuid.New().String()
	c := &WSConn{
		id:   id,
		ws:   ws,
		opts: opts,
		log:  log.With(logx.String("conn_id", id)),
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
	if opts.PingInterval > 0 {
		wait := 2 * opts.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
	}
	return c
}

func (c *WSConn) ID() string { return c.id }

// Send はフレームを送信キューに積む。キューが一杯なら ErrSlowConsumer を返す。
func (c *WSConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.send <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Activate は最初のフレームを書き込んでから書き込み用goroutineを起動する。
// それまでにキューに積まれたフレームは最初のフレームの後に送られる。
func (c *WSConn) Activate(first []byte) error {
	var err error
	c.startOnce.Do(func() {
		if err = c.write(websocket.TextMessage, first); err != nil {
			_ = c.Close()
			return
		}
		go c.writeLoop()
	})
	return err
}

// Read は次のテキストフレームを読む。
func (c *WSConn) Read() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close は接続を閉じる。複数回呼び出してもよい。
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

func (c *WSConn) write(typ int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(typ, data)
}

func (c *WSConn) writeLoop() {
	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.log.Debug("フレームの書き込みに失敗", logx.Err(err))
				_ = c.Close()
				return
			}
		case <-tick:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.log.Debug("pingの送信に失敗", logx.Err(err))
				_ = c.Close()
				return
			}
		}
	}
}
