package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kmoriya/shogun/internal/log"
)

// Writer produces outbound mailbox files. The rename onto the final path
// is the linearization point; watchers never observe partial writes.
type Writer struct {
	dirs Dirs
}

// NewWriter creates a writer rooted at the mailbox base directory.
func NewWriter(base string) *Writer {
	return &Writer{dirs: Dirs{Base: base}}
}

// Outbound describes a message to be written into the pending tier.
type Outbound struct {
	ThreadID string
	From     string
	To       string
	Title    string
	Body     string
}

// Write atomically creates the mailbox file and returns the resulting
// message along with its absolute path.
func (w *Writer) Write(out Outbound) (Message, string, error) {
	if out.ThreadID == "" {
		return Message{}, "", fmt.Errorf("thread id is required")
	}
	if strings.Contains(out.ThreadID, stemDelimiter) {
		return Message{}, "", fmt.Errorf("thread id %q must not contain %q", out.ThreadID, stemDelimiter)
	}
	if out.To == "" || out.From == "" {
		return Message{}, "", fmt.Errorf("sender and recipient are required")
	}

	now := time.Now()
	stem := NewStem(out.ThreadID, out.Title, now)
	ref := Ref{Tier: TierPending, To: out.To, From: out.From, Stem: stem}
	target := w.dirs.Path(ref)

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Message{}, "", fmt.Errorf("creating mailbox directory: %w", err)
	}

	tmp := filepath.Join(dir, "."+stem+".tmp-"+strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	if err := os.WriteFile(tmp, []byte(out.Body), 0o644); err != nil { //nolint:gosec // G306: mailbox files are workspace-local
		return Message{}, "", fmt.Errorf("writing mailbox temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return Message{}, "", fmt.Errorf("publishing mailbox file: %w", err)
	}

	log.Debug(log.CatMailbox, "mailbox file written",
		"messageId", stem, "threadId", out.ThreadID, "from", out.From, "to", out.To)

	return Message{
		ID:        stem,
		ThreadID:  out.ThreadID,
		From:      out.From,
		To:        out.To,
		Title:     out.Title,
		Body:      out.Body,
		CreatedAt: FormatTimestamp(now),
	}, target, nil
}
