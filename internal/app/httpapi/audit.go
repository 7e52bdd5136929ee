package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// auditEntry records one mutating request against the ledger.
type auditEntry struct {
	Time       time.Time `json:"time"`
	Operation  string    `json:"operation"`
	Subject    string    `json:"subject,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	Code       string    `json:"code"`
	Governed   bool      `json:"governed"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

func newAuditEntry(r *http.Request, op string, status int, code string) auditEntry {
	return auditEntry{
		Time:       time.Now().UTC(),
		Operation:  op,
		Subject:    mux.Vars(r)["id"],
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		Code:       code,
		Governed:   r.Header.Get("Authorization") != "",
		RemoteAddr: r.RemoteAddr,
	}
}

// auditFilter narrows an audit query. Zero values match everything.
type auditFilter struct {
	Operation    string
	Subject      string
	GovernedOnly bool
	FailedOnly   bool
}

func (f auditFilter) match(e auditEntry) bool {
	switch {
	case f.Operation != "" && e.Operation != f.Operation:
		return false
	case f.Subject != "" && e.Subject != f.Subject:
		return false
	case f.GovernedOnly && !e.Governed:
		return false
	case f.FailedOnly && e.Status < http.StatusBadRequest:
		return false
	}
	return true
}

// auditLog is a bounded ring of recent entries, mirrored to an optional sink.
type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
	sink    auditSink
	dropped int
}

type auditSink interface {
	Write(entry auditEntry) error
}

func newAuditLog(max int, sink auditSink) *auditLog {
	if max <= 0 {
		max = 200
	}
	return &auditLog{max: max, sink: sink}
}

func (l *auditLog) add(entry auditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	if l.sink != nil {
		if err := l.sink.Write(entry); err != nil {
			l.dropped++
		}
	}
}

// query returns up to limit of the newest matching entries, oldest first.
func (l *auditLog) query(f auditFilter, limit int) []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]auditEntry, 0)
	for i := len(l.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if f.match(l.entries[i]) {
			out = append(out, l.entries[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// sinkFailures counts entries the sink refused.
func (l *auditLog) sinkFailures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// fileAuditSink appends entries to a JSONL file.
type fileAuditSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// newFileAuditSink returns a nil sink for an empty path.
func newFileAuditSink(path string) (auditSink, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &fileAuditSink{enc: json.NewEncoder(f)}, nil
}

func (s *fileAuditSink) Write(entry auditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(entry)
}
