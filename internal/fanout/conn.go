package fanout

import "errors"

var (
	// ErrClosed は閉じた接続に送信しようとしたことを表す。
	ErrClosed = errors.New("接続は閉じられています")
	// ErrSlowConsumer は送信キューが溢れたことを表す。
	ErrSlowConsumer = errors.New("送信キューが一杯です")
)

// Conn は配信先の接続。
type Conn interface {
	// ID は接続の一意識別子を返す。
	ID() string
	// Send はフレームを送信キューに積む。ブロックしない。
	Send(frame []byte) error
	// Close は接続を閉じる。複数回呼び出してもよい。
	Close() error
}
