package messaging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	alice int64 = 1
	bob   int64 = 2
	carol int64 = 3
	dave  int64 = 4
	eve   int64 = 5
)

type publishedEvent struct {
	topic string
	event *Event
}

// recordingPublisher keeps every published event in order
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{topic: topic, event: event})
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// testClock is a settable clock for the policy windows
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	repo          *MemoryRepository
	publisher     *recordingPublisher
	connections   *StaticConnections
	blobs         *BlobStore
	blobRoot      string
	clock         *testClock
	conversations *ConversationService
	messages      *MessageService
	signaling     *SignalingService
	attachments   *AttachmentService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := NewMemoryRepository()
	for id, name := range map[int64]string{alice: "Alice", bob: "Bob", carol: "Carol", dave: "Dave", eve: "Eve"} {
		repo.PutUser(&UserInfo{ID: id, Name: name})
	}

	connections := NewStaticConnections()
	for _, pair := range [][2]int64{{alice, bob}, {alice, carol}, {alice, dave}, {bob, carol}} {
		connections.Connect(pair[0], pair[1])
	}

	root := t.TempDir()
	blobs, err := NewBlobStore(DiskLocal, map[string]Disk{DiskLocal: NewLocalDisk(root)})
	require.NoError(t, err)

	clock := newTestClock()
	publisher := &recordingPublisher{}
	opts := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(clock.Now),
		WithURLs(NewURLBuilder("http://chat.test")),
		WithBlobStore(blobs),
	}

	return &testEnv{
		repo:          repo,
		publisher:     publisher,
		connections:   connections,
		blobs:         blobs,
		blobRoot:      root,
		clock:         clock,
		conversations: NewConversationService(repo, publisher, connections, opts...),
		messages:      NewMessageService(repo, publisher, blobs, opts...),
		signaling:     NewSignalingService(repo, publisher, opts...),
		attachments:   NewAttachmentService(repo, blobs, opts...),
	}
}

func (e *testEnv) direct(t *testing.T, a, b int64) *Conversation {
	t.Helper()
	conv, err := e.conversations.Create(context.Background(), a, &CreateConversationRequest{
		Type:         ConversationDirect,
		TargetUserID: b,
	})
	require.NoError(t, err)
	return conv
}

func (e *testEnv) group(t *testing.T, owner int64, title string, members ...int64) *Conversation {
	t.Helper()
	conv, err := e.conversations.Create(context.Background(), owner, &CreateConversationRequest{
		Type:          ConversationGroup,
		Title:         title,
		TargetUserIDs: members,
	})
	require.NoError(t, err)
	return conv
}

func (e *testEnv) send(t *testing.T, convID, sender int64, body string) *MessagePayload {
	t.Helper()
	msg, err := e.messages.Send(context.Background(), convID, sender, &SendMessageRequest{Body: body}, nil)
	require.NoError(t, err)
	return msg
}

func decodeData(t *testing.T, event *Event, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(event.Data, dst))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
