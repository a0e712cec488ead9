package fanout

import (
	"sync"

	"github.com/nao1215/andon/internal/notification"
)

// Registry はカテゴリごとに開いている接続を保持する。並行に呼び出して安全。
type Registry struct {
	mu      sync.RWMutex
	members map[notification.Category]map[string]Conn
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{members: make(map[notification.Category]map[string]Conn)}
}

// Register は接続をカテゴリに登録する。同じIDの接続は置き換える。
func (r *Registry) Register(c notification.Category, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[c]
	if !ok {
		m = make(map[string]Conn)
		r.members[c] = m
	}
	m[conn.ID()] = conn
	connectionsGauge.WithLabelValues(string(c)).Set(float64(len(m)))
}

// Unregister は接続の登録を解除する。登録されていた場合はtrueを返す。
func (r *Registry) Unregister(c notification.Category, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[c]
	if !ok {
		return false
	}
	if _, ok := m[conn.ID()]; !ok {
		return false
	}
	delete(m, conn.ID())
	connectionsGauge.WithLabelValues(string(c)).Set(float64(len(m)))
	if len(m) == 0 {
		delete(r.members, c)
	}
	return true
}

// Members はカテゴリに登録されている接続のコピーを返す。
// 戻り値は呼び出し後の登録・解除の影響を受けない。
func (r *Registry) Members(c notification.Category) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := r.members[c]
	out := make([]Conn, 0, len(m))
	for _, conn := range m {
		out = append(out, conn)
	}
	return out
}

// Count はカテゴリに登録されている接続数を返す。
func (r *Registry) Count(c notification.Category) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[c])
}

// Counts は全カテゴリの接続数を返す。接続のないカテゴリも0として含む。
func (r *Registry) Counts() map[notification.Category]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[notification.Category]int, len(r.members))
	for _, c := range notification.Categories() {
		out[c] = len(r.members[c])
	}
	return out
}
