package mailbox

import (
	"path"
	"path/filepath"
	"strings"
)

// Directory names under the mailbox root.
const (
	PendingDirName    = "message_to"
	ProcessingDirName = "message_processing"
	HistoryDirName    = "history"
	fromSegment       = "from"
	fileExt           = ".md"
)

// Tier identifies which stage of the queue a file sits in.
type Tier string

const (
	TierPending    Tier = PendingDirName
	TierProcessing Tier = ProcessingDirName
)

// Ref locates one mailbox file within a tier.
type Ref struct {
	Tier Tier
	To   string
	From string
	Stem string
}

// Dirs resolves mailbox paths under a base root.
type Dirs struct {
	Base string
}

// PendingDir is where external producers drop files for an agent.
func (d Dirs) PendingDir(to, from string) string {
	return filepath.Join(d.Base, PendingDirName, to, fromSegment, from)
}

// ProcessingDir holds claimed, in-flight files.
func (d Dirs) ProcessingDir(to, from string) string {
	return filepath.Join(d.Base, ProcessingDirName, to, fromSegment, from)
}

// Path returns the absolute path of a ref.
func (d Dirs) Path(r Ref) string {
	return filepath.Join(d.Base, string(r.Tier), r.To, fromSegment, r.From, r.Stem+fileExt)
}

// ArchivePath is the final resting place of a processed file.
func (d Dirs) ArchivePath(threadID string, r Ref) string {
	return filepath.Join(d.Base, HistoryDirName, threadID, PendingDirName, r.To, fromSegment, r.From, r.Stem+fileExt)
}

// LedgerPath is the persistent idempotency ledger for the mailbox queue.
func (d Dirs) LedgerPath() string {
	return filepath.Join(d.Base, "message_ledger.json")
}

// ParsePath interprets an absolute path as a mailbox ref. Paths outside
// the grammar (wrong depth, wrong segment labels, not .md) return false.
func (d Dirs) ParsePath(abs string) (Ref, bool) {
	rel, err := filepath.Rel(d.Base, abs)
	if err != nil {
		return Ref{}, false
	}
	return ParseRel(filepath.ToSlash(rel))
}

// ParseRel interprets a slash-separated mailbox-root-relative path.
func ParseRel(rel string) (Ref, bool) {
	segs := strings.Split(rel, "/")
	if len(segs) != 5 {
		return Ref{}, false
	}
	tier := Tier(segs[0])
	if tier != TierPending && tier != TierProcessing {
		return Ref{}, false
	}
	if segs[2] != fromSegment {
		return Ref{}, false
	}
	file := segs[4]
	if !strings.HasSuffix(file, fileExt) || file == fileExt {
		return Ref{}, false
	}
	if segs[1] == "" || segs[3] == "" {
		return Ref{}, false
	}
	return Ref{
		Tier: tier,
		To:   segs[1],
		From: segs[3],
		Stem: strings.TrimSuffix(file, fileExt),
	}, true
}

// IdempotencyKey is the ledger key for a ref: the relative path with the
// leading segment forced to the pending tier, so the key is stable while
// the file moves between tiers.
func (r Ref) IdempotencyKey() string {
	return path.Join(PendingDirName, r.To, fromSegment, r.From, r.Stem+fileExt)
}

// InTier returns the same ref relocated to another tier.
func (r Ref) InTier(t Tier) Ref {
	r.Tier = t
	return r
}
