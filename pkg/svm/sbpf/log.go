package sbpf

// DefaultLogBytesLimit is the default byte budget for program messages.
const DefaultLogBytesLimit = 10_000

// LogTruncated is appended once when the byte budget is exhausted.
const LogTruncated = "Log truncated"

// Log is the ordered, append-only execution log of one run.
//
// Program messages (Append) count against an optional byte limit; trace
// entries (Trace) do not, since the compute budget already bounds them.
type Log struct {
	entries   []string
	bytes     int
	limit     int
	truncated bool
}

// NewLog creates a log. A limit of zero disables the byte budget.
func NewLog(limit int) *Log {
	return &Log{limit: limit}
}

// Append records a program message.
func (l *Log) Append(msg string) {
	if l.limit > 0 {
		if l.truncated {
			return
		}
		if l.bytes+len(msg) >= l.limit {
			l.truncated = true
			l.entries = append(l.entries, LogTruncated)
			return
		}
		l.bytes += len(msg)
	}
	l.entries = append(l.entries, msg)
}

// Trace records an instruction trace line.
func (l *Log) Trace(line string) {
	l.entries = append(l.entries, line)
}

// Entries returns a copy of the log entries in order.
func (l *Log) Entries() []string {
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Truncated reports whether program messages were dropped.
func (l *Log) Truncated() bool {
	return l.truncated
}
