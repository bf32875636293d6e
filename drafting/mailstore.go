package drafting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Message is one inbound or outbound mail inside a thread, in the simplified
// shape the mail store hands us.
type Message struct {
	From    string    `json:"from"`
	To      []string  `json:"to,omitempty"`
	Sent    time.Time `json:"sent"`
	Subject string    `json:"subject,omitempty"`
	Body    string    `json:"body"`
}

// Thread is an ordered sequence of messages for one conversation. The mail
// store owns threads; this package only reads them.
type Thread struct {
	ID       string    `json:"thread_id"`
	Subject  string    `json:"subject,omitempty"`
	Messages []Message `json:"messages"`
}

// Latest returns the final (most recent) message of the thread.
func (t Thread) Latest() (Message, bool) {
	if len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// Correspondent is the other party of the thread: the sender of the most
// recent message not authored by self. Falls back to the first sender.
func (t Thread) Correspondent(self string) string {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if from := strings.TrimSpace(t.Messages[i].From); from != "" && !strings.EqualFold(from, self) {
			return from
		}
	}
	if len(t.Messages) > 0 {
		return strings.TrimSpace(t.Messages[0].From)
	}
	return ""
}

// MailStore is the external mail-store API this package consumes. Fetching raw
// messages and deciding which threads need attention live on the other side of
// this interface.
type MailStore interface {
	FetchThread(ctx context.Context, threadID string) (Thread, error)
	ListThreadsNeedingAttention(ctx context.Context) ([]string, error)
}

// promptRow is the deterministic JSON row a message renders to inside a
// prompt. Focus marks the message that needs the reply.
type promptRow struct {
	Author  string `json:"author"`
	Sent    string `json:"sent"`
	Content string `json:"content"`
	Focus   bool   `json:"focus"`
}

// FormatMessageForPrompt renders one message as a single JSON row. Identical
// input always yields identical output; field order is fixed by the struct.
func FormatMessageForPrompt(m Message, focus bool) string {
	row := promptRow{
		Author:  strings.TrimSpace(m.From),
		Sent:    m.Sent.UTC().Format(time.RFC3339),
		Content: strings.TrimSpace(m.Body),
		Focus:   focus,
	}
	b, err := json.Marshal(row)
	if err != nil {
		// A string-only struct cannot fail to marshal.
		return ""
	}
	return string(b)
}

// FormatReplyInline renders a finished draft the way a mail client quotes the
// original: the reply text, then an attribution line, then the quoted body.
func FormatReplyInline(reply string, original Message) string {
	header := fmt.Sprintf("On %s, %s wrote:",
		original.Sent.Format("2. Jan 2006, at 15:04"), strings.TrimSpace(original.From))
	return strings.TrimSpace(reply) + "\n\n" + header + "\n\n" + original.Body
}

// DirMailStore is a file-backed MailStore reading one <thread id>.json per
// thread from a directory. It exists for the cmd utilities and tests; a real
// deployment substitutes the live mail-store client behind the same interface.
type DirMailStore struct {
	Root string
}

func (d DirMailStore) FetchThread(ctx context.Context, threadID string) (Thread, error) {
	if err := ctx.Err(); err != nil {
		return Thread{}, err
	}
	if threadID == "" || threadID != filepath.Base(threadID) {
		return Thread{}, &ValidationError{Field: "thread_id", Reason: "must be a bare name"}
	}
	b, err := os.ReadFile(filepath.Join(d.Root, threadID+".json"))
	if err != nil {
		return Thread{}, &StorageError{Op: "fetch thread", Err: err}
	}
	var t Thread
	if err := json.Unmarshal(b, &t); err != nil {
		return Thread{}, &StorageError{Op: "fetch thread", Err: err}
	}
	if t.ID == "" {
		t.ID = threadID
	}
	if len(t.Messages) == 0 {
		return Thread{}, &StorageError{Op: "fetch thread", Err: errors.New("thread has no messages")}
	}
	return t, nil
}

func (d DirMailStore) ListThreadsNeedingAttention(ctx context.Context) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(d.Root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if de.IsDir() {
			if path != d.Root {
				return fs.SkipDir
			}
			return nil
		}
		name := de.Name()
		if strings.ToLower(filepath.Ext(name)) != ".json" {
			return nil
		}
		ids = append(ids, strings.TrimSuffix(name, filepath.Ext(name)))
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "list threads", Err: err}
	}
	sort.Strings(ids)
	return ids, nil
}
