package timeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/clocksmith/reploid/internal/vfs"
)

const auditDirPrefix = "/.audit"

// Audit event types with their fixed severities. Unknown types default to warn.
var auditSeverity = map[string]string{
	"VFS_WRITE":          SeverityInfo,
	"VFS_DELETE":         SeverityWarn,
	"STATE_RESTORE":      SeverityWarn,
	"TOOL_CREATED":       SeverityWarn,
	"MODULE_RELOADED":    SeverityInfo,
	"PEER_JOINED":        SeverityInfo,
	"PEER_PRUNED":        SeverityWarn,
	"POLICY_DENIED":      SeverityWarn,
	"APPROVAL_TIMEOUT":   SeverityWarn,
	"SANDBOX_TIMEOUT":    SeverityWarn,
	"SECURITY_VIOLATION": SeverityError,
	"HANDLER_PANIC":      SeverityWarn,
}

// Secret patterns scrubbed from audit payloads before they reach the timeline.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{8,}=*`),
	regexp.MustCompile(`(?i)"(api_?key|token|secret|password)"\s*:\s*"[^"]*"`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9._-]{10,}`),
}

// Audit is the typed security-event facade over the timeline. It enforces the
// severity taxonomy and scrubs secrets from payloads.
type Audit struct {
	timeline *Timeline
	store    *vfs.VFS
}

func NewAudit(tl *Timeline, store *vfs.VFS) *Audit {
	return &Audit{timeline: tl, store: store}
}

// Log records a typed audit event. Severity comes from the fixed taxonomy;
// the payload is scrubbed of secrets first.
func (a *Audit) Log(eventType string, payload interface{}) Event {
	sev, ok := auditSeverity[eventType]
	if !ok {
		sev = SeverityWarn
	}
	scrubbed := Scrub(payload)
	ev := a.timeline.Record(eventType, scrubbed, RecordOptions{
		Severity: sev,
		Tags:     []string{"audit"},
	})
	a.mirror(ev)
	return ev
}

// Security is shorthand for a SECURITY_VIOLATION record.
func (a *Audit) Security(payload interface{}) Event {
	return a.Log("SECURITY_VIOLATION", payload)
}

// HandlerPanic is the bus error sink adapter.
func (a *Audit) HandlerPanic(topic string, recovered interface{}) {
	a.Log("HANDLER_PANIC", map[string]interface{}{
		"topic": topic,
		"error": fmt.Sprintf("%v", recovered),
	})
}

// mirror appends the audit subset to /.audit/YYYY-MM-DD.jsonl.
func (a *Audit) mirror(ev Event) {
	day := time.UnixMilli(ev.TS).UTC().Format("2006-01-02")
	path := fmt.Sprintf("%s/%s.jsonl", auditDirPrefix, day)

	var sb strings.Builder
	if prev, err := a.store.Read(path); err == nil {
		sb.Write(prev.Content)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	sb.Write(line)
	sb.WriteByte('\n')
	a.store.Write(path, []byte(sb.String()), vfs.WriteOptions{Type: vfs.TypeLog, Silent: true})
}

// Scrub replaces secret-shaped substrings in a payload. The payload is
// round-tripped through JSON so nested fields are covered; values that fail
// to marshal are replaced wholesale.
func Scrub(payload interface{}) interface{} {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "[unserializable payload]"
	}
	s := string(raw)
	for _, re := range secretPatterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			if i := strings.Index(m, `":`); i >= 0 {
				// Preserve the key, redact the value.
				return m[:i+2] + ` "[REDACTED]"`
			}
			return "[REDACTED]"
		})
	}
	var out interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return "[REDACTED]"
	}
	return out
}
