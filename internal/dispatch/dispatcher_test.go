package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/kadenbot/internal/completion"
	"github.com/ent0n29/kadenbot/internal/history"
	"github.com/ent0n29/kadenbot/internal/observability"
	"github.com/ent0n29/kadenbot/internal/platform"
)

const testBotID = "bot-1"

type fakeCompleter struct {
	mu      sync.Mutex
	calls   int32
	answer  string
	err     error
	delay   time.Duration
	answers []string
}

func (f *fakeCompleter) Complete(ctx context.Context, turns []history.Turn) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) > 0 {
		return f.answers[(int(n)-1)%len(f.answers)], nil
	}
	return f.answer, nil
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []string
	err     error
}

func (f *fakeReplier) Reply(_ context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	if f.err != nil {
		return &platform.DeliveryError{ChannelID: channelID, Err: f.err}
	}
	return nil
}

func (f *fakeReplier) Typing(context.Context, string) error { return nil }

func (f *fakeReplier) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		t.Fatalf("no reply was sent")
	}
	return f.replies[len(f.replies)-1]
}

func (f *fakeReplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

type fakePresence struct {
	names []string
}

func (f *fakePresence) ListPresentMembers(string) []string { return f.names }

func newTestDispatcher(t *testing.T, maxHistory int, completer completion.Service, replier platform.Replier, presence platform.PresenceLister) (*Dispatcher, *history.Store) {
	t.Helper()
	store := history.NewStore(maxHistory)
	metrics := observability.NewMetrics(fmt.Sprintf("kadenbot_test_%d", time.Now().UnixNano()))
	d := New(
		Config{SystemPrompt: "persona"},
		store,
		completer,
		replier,
		presence,
		nil,
		metrics,
		func() string { return testBotID },
	)
	return d, store
}

func mentionMsg(channelID, content string) platform.InboundMessage {
	return platform.InboundMessage{
		ID:          "m1",
		GuildID:     "g1",
		ChannelID:   channelID,
		AuthorID:    "u1",
		Content:     content,
		MentionsBot: true,
	}
}

func TestHandleIgnoresOwnMessages(t *testing.T) {
	replier := &fakeReplier{}
	d, _ := newTestDispatcher(t, 4, &fakeCompleter{answer: "x"}, replier, &fakePresence{})

	msg := mentionMsg("c1", "<@bot-1> hi")
	msg.AuthorID = testBotID
	if got := d.Handle(context.Background(), msg); got != OutcomeIgnored {
		t.Fatalf("Handle() = %q, want %q", got, OutcomeIgnored)
	}
	if replier.count() != 0 {
		t.Fatalf("replies = %d, want 0", replier.count())
	}
}

func TestHandleIgnoresMessagesOutsideGuilds(t *testing.T) {
	d, _ := newTestDispatcher(t, 4, &fakeCompleter{answer: "x"}, &fakeReplier{}, &fakePresence{})
	msg := mentionMsg("c1", "<@bot-1> hi")
	msg.GuildID = ""
	if got := d.Handle(context.Background(), msg); got != OutcomeIgnored {
		t.Fatalf("Handle() = %q, want %q", got, OutcomeIgnored)
	}
}

func TestHandleIgnoresWithoutMention(t *testing.T) {
	completer := &fakeCompleter{answer: "x"}
	d, _ := newTestDispatcher(t, 4, completer, &fakeReplier{}, &fakePresence{})
	msg := mentionMsg("c1", "just chatting")
	msg.MentionsBot = false
	if got := d.Handle(context.Background(), msg); got != OutcomeIgnored {
		t.Fatalf("Handle() = %q, want %q", got, OutcomeIgnored)
	}
	if atomic.LoadInt32(&completer.calls) != 0 {
		t.Fatalf("completer calls = %d, want 0", completer.calls)
	}
}

func TestHandleEmptyQuestionShortCircuits(t *testing.T) {
	completer := &fakeCompleter{answer: "x"}
	replier := &fakeReplier{}
	d, store := newTestDispatcher(t, 4, completer, replier, &fakePresence{})

	got := d.Handle(context.Background(), mentionMsg("c1", "<@bot-1>"))
	if got != OutcomeCompletionFailed {
		t.Fatalf("Handle() = %q, want %q", got, OutcomeCompletionFailed)
	}
	if reply := replier.last(t); reply != replyNoQuestion {
		t.Fatalf("reply = %q, want %q", reply, replyNoQuestion)
	}
	if atomic.LoadInt32(&completer.calls) != 0 {
		t.Fatalf("completer calls = %d, want 0", completer.calls)
	}
	if store.Len("c1") != 0 {
		t.Fatalf("store.Len() = %d, want 0", store.Len("c1"))
	}
}

func TestHandleCompletionRoundTrip(t *testing.T) {
	completer := &fakeCompleter{answer: "the answer"}
	replier := &fakeReplier{}
	d, store := newTestDispatcher(t, 6, completer, replier, &fakePresence{})

	got := d.Handle(context.Background(), mentionMsg("c1", "<@bot-1> what is up?"))
	if got != OutcomeCompletionReplied {
		t.Fatalf("Handle() = %q, want %q", got, OutcomeCompletionReplied)
	}
	if reply := replier.last(t); reply != "the answer" {
		t.Fatalf("reply = %q, want %q", reply, "the answer")
	}

	turns := store.Get("c1")
	if len(turns) != 2 {
		t.Fatalf("store.Get() returned %d turns, want 2", len(turns))
	}
	if turns[0].Role != history.RoleUser || turns[0].Content != "what is up?" {
		t.Fatalf("user turn = %+v", turns[0])
	}
	if turns[1].Role != history.RoleAssistant || turns[1].Content != "the answer" {
		t.Fatalf("assistant turn = %+v", turns[1])
	}
}

func TestHandleHistoryStaysBounded(t *testing.T) {
	const maxHistory = 4
	completer := &fakeCompleter{answer: "a"}
	d, store := newTestDispatcher(t, maxHistory, completer, &fakeReplier{}, &fakePresence{})

	for n := 1; n <= 5; n++ {
		d.Handle(context.Background(), mentionMsg("c1", fmt.Sprintf("<@bot-1> q%d", n)))
		want := 2 * n
		if want > maxHistory {
			want = maxHistory
		}
		if got := store.Len("c1"); got != want {
			t.Fatalf("after %d round-trips Len() = %d, want %d", n, got, want)
		}
	}
}

func TestHandleCompletionFailureLeavesHistoryUntouched(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantReply string
	}{
		{"rate limited", completion.ErrRateLimited, replyRateLimited},
		{"connection failed", fmt.Errorf("dial: %w", completion.ErrConnectionFailed), replyConnection},
		{"auth status", &completion.StatusError{Code: 401}, replyAuthIssue},
		{"server status", &completion.StatusError{Code: 503}, replyServiceDown},
		{"other status", &completion.StatusError{Code: 400}, replyServiceIssue},
		{"unexpected", errors.New("boom"), replyUnexpected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seed := &fakeCompleter{answer: "seed"}
			replier := &fakeReplier{}
			d, store := newTestDispatcher(t, 8, seed, replier, &fakePresence{})
			d.Handle(context.Background(), mentionMsg("c1", "<@bot-1> seed question"))
			before := store.Get("c1")

			d.completer = &fakeCompleter{err: tc.err}
			got := d.Handle(context.Background(), mentionMsg("c1", "<@bot-1> failing question"))
			if got != OutcomeCompletionFailed {
				t.Fatalf("Handle() = %q, want %q", got, OutcomeCompletionFailed)
			}
			if reply := replier.last(t); reply != tc.wantReply {
				t.Fatalf("reply = %q, want %q", reply, tc.wantReply)
			}

			after := store.Get("c1")
			if len(after) != len(before) {
				t.Fatalf("history changed on failure: %d -> %d turns", len(before), len(after))
			}
			for i := range before {
				if after[i] != before[i] {
					t.Fatalf("history turn %d changed on failure", i)
				}
			}
		})
	}
}

func TestHandleEmptyCompletionReplyNotStored(t *testing.T) {
	replier := &fakeReplier{}
	d, store := newTestDispatcher(t, 8, &fakeCompleter{answer: "   "}, replier, &fakePresence{})

	got := d.Handle(context.Background(), mentionMsg("c1", "<@bot-1> anything?"))
	if got != OutcomeCompletionFailed {
		t.Fatalf("Handle() = %q, want %q", got, OutcomeCompletionFailed)
	}
	if reply := replier.last(t); reply != replyEmptyAnswer {
		t.Fatalf("reply = %q, want %q", reply, replyEmptyAnswer)
	}
	if store.Len("c1") != 0 {
		t.Fatalf("store.Len() = %d, want 0", store.Len("c1"))
	}
}

func TestHandleTruncatesLongReplyButStoresFullText(t *testing.T) {
	long := strings.Repeat("x", 2500)
	replier := &fakeReplier{}
	d, store := newTestDispatcher(t, 8, &fakeCompleter{answer: long}, replier, &fakePresence{})

	d.Handle(context.Background(), mentionMsg("c1", "<@bot-1> tell me everything"))

	sent := replier.last(t)
	if len([]rune(sent)) > platform.ReplyCharLimit {
		t.Fatalf("sent reply length = %d, want <= %d", len([]rune(sent)), platform.ReplyCharLimit)
	}
	if !strings.HasSuffix(sent, truncationMarker) {
		t.Fatalf("sent reply missing truncation marker")
	}

	turns := store.Get("c1")
	if len(turns) != 2 || turns[1].Content != long {
		t.Fatalf("stored assistant turn lost the full text")
	}
}

func TestHandleDeliveryErrorKeepsHistory(t *testing.T) {
	replier := &fakeReplier{err: errors.New("transport hiccup")}
	d, store := newTestDispatcher(t, 8, &fakeCompleter{answer: "fine"}, replier, &fakePresence{})

	got := d.Handle(context.Background(), mentionMsg("c1", "<@bot-1> hello"))
	if got != OutcomeCompletionReplied {
		t.Fatalf("Handle() = %q, want %q (delivery failure does not roll back)", got, OutcomeCompletionReplied)
	}
	if store.Len("c1") != 2 {
		t.Fatalf("store.Len() = %d, want 2", store.Len("c1"))
	}
}

func TestHandleIndependentChannels(t *testing.T) {
	d, store := newTestDispatcher(t, 8, &fakeCompleter{answer: "a"}, &fakeReplier{}, &fakePresence{})

	d.Handle(context.Background(), mentionMsg("x", "<@bot-1> question for x"))
	d.Handle(context.Background(), mentionMsg("y", "<@bot-1> question for y"))

	for _, turn := range store.Get("y") {
		if strings.Contains(turn.Content, "for x") {
			t.Fatalf("channel y history contains channel x content: %+v", turn)
		}
	}
	if store.Len("x") != 2 || store.Len("y") != 2 {
		t.Fatalf("Len(x) = %d, Len(y) = %d, want 2 and 2", store.Len("x"), store.Len("y"))
	}
}

func TestHandlePresenceByCommandPrefix(t *testing.T) {
	completer := &fakeCompleter{answer: "x"}
	replier := &fakeReplier{}
	d, store := newTestDispatcher(t, 8, completer, replier, &fakePresence{names: []string{"alice", "bob"}})

	msg := mentionMsg("c1", "!online")
	msg.MentionsBot = false
	got := d.Handle(context.Background(), msg)
	if got != OutcomePresenceReplied {
		t.Fatalf("Handle() = %q, want %q", got, OutcomePresenceReplied)
	}
	reply := replier.last(t)
	if !strings.Contains(reply, "alice") || !strings.Contains(reply, "bob") {
		t.Fatalf("presence reply = %q, want member names", reply)
	}
	if atomic.LoadInt32(&completer.calls) != 0 {
		t.Fatalf("completer calls = %d, want 0", completer.calls)
	}
	if store.ChannelCount() != 0 {
		t.Fatalf("presence path touched the history store")
	}
}

func TestHandlePresenceByMentionKeyword(t *testing.T) {
	for _, phrase := range []string{
		"who's online",
		"Who IS online right now?",
		"can you list online members",
	} {
		replier := &fakeReplier{}
		d, _ := newTestDispatcher(t, 8, &fakeCompleter{answer: "x"}, replier, &fakePresence{names: []string{"alice"}})

		got := d.Handle(context.Background(), mentionMsg("c1", "<@bot-1> "+phrase))
		if got != OutcomePresenceReplied {
			t.Fatalf("Handle(%q) = %q, want %q", phrase, got, OutcomePresenceReplied)
		}
		if !strings.Contains(replier.last(t), "alice") {
			t.Fatalf("presence reply for %q = %q", phrase, replier.last(t))
		}
	}
}

func TestHandlePresenceEmptyRoster(t *testing.T) {
	replier := &fakeReplier{}
	d, _ := newTestDispatcher(t, 8, &fakeCompleter{answer: "x"}, replier, &fakePresence{})

	d.Handle(context.Background(), mentionMsg("c1", "<@bot-1> who's online"))
	if reply := replier.last(t); reply != replyNobodyOnline {
		t.Fatalf("reply = %q, want %q", reply, replyNobodyOnline)
	}
}

func TestHandleConcurrentSameChannelSerialized(t *testing.T) {
	completer := &fakeCompleter{answers: []string{"first answer", "second answer"}, delay: 20 * time.Millisecond}
	d, store := newTestDispatcher(t, 8, completer, &fakeReplier{}, &fakePresence{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Handle(context.Background(), mentionMsg("c1", fmt.Sprintf("<@bot-1> question %d", i)))
		}(i)
	}
	wg.Wait()

	turns := store.Get("c1")
	if len(turns) != 4 {
		t.Fatalf("store.Get() returned %d turns, want 4 (no lost or duplicated pair)", len(turns))
	}
	// Pairs must not interleave: user then assistant, twice.
	for i := 0; i < 4; i += 2 {
		if turns[i].Role != history.RoleUser || turns[i+1].Role != history.RoleAssistant {
			t.Fatalf("turn pair %d interleaved: %+v %+v", i/2, turns[i], turns[i+1])
		}
	}
}

func TestStripMentions(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"<@bot-1> hello", "hello"},
		{"<@!bot-1> hello", "hello"},
		{"hey <@bot-1> what's up", "hey  what's up"},
		{"<@bot-1>", ""},
		{"  <@bot-1>  spaced  ", "spaced"},
	}
	for _, tc := range cases {
		if got := stripMentions(tc.content, testBotID); got != tc.want {
			t.Fatalf("stripMentions(%q) = %q, want %q", tc.content, got, tc.want)
		}
	}
}

func TestTruncateReply(t *testing.T) {
	short, truncated := truncateReply("short", 2000)
	if truncated || short != "short" {
		t.Fatalf("truncateReply(short) = %q, %v", short, truncated)
	}

	long, truncated := truncateReply(strings.Repeat("a", 2500), 2000)
	if !truncated {
		t.Fatalf("expected truncation for 2500-char reply")
	}
	if len([]rune(long)) != 1999 {
		t.Fatalf("truncated length = %d, want 1999", len([]rune(long)))
	}
	if !strings.HasSuffix(long, truncationMarker) {
		t.Fatalf("truncated reply missing marker")
	}
}
