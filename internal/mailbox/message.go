// Package mailbox implements the file-based message queue between agents:
// the canonical filename grammar, atomic writers, and the two-phase
// claim/process watcher with ledger-backed idempotence.
package mailbox

// Message is one delivered mailbox file. The ID is the filename stem and
// fully determines the message identity.
type Message struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}
