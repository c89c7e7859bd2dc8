package chat_test

import (
	"sort"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"roomchat/internal/chat"
	"roomchat/internal/model"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func i64(v int64) *int64 { return &v }

func at(ms int) *time.Time {
	t := base.Add(time.Duration(ms) * time.Millisecond)
	return &t
}

func serverMsg(id int64, sessionID int64, sender *int64, body string, sentAt *time.Time) *model.Message {
	return &model.Message{ID: i64(id), SessionID: sessionID, SenderID: sender, Body: body, SentAt: sentAt}
}

func bodies(msgs []*model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func sentAtSorted(msgs []*model.Message) bool {
	var times []time.Time
	for _, m := range msgs {
		if m.SentAt != nil {
			times = append(times, *m.SentAt)
		}
	}
	return sort.SliceIsSorted(times, func(a, b int) bool { return times[a].Before(times[b]) })
}

var _ = Describe("Store", func() {
	const sid int64 = 7
	var (
		store *chat.Store
		user  *int64
	)

	BeforeEach(func() {
		store = chat.NewStore(zerolog.Nop())
		store.Reset(sid)
		user = i64(100)
	})

	Describe("MergePushed", func() {
		It("is idempotent for the same id", func() {
			m := serverMsg(1, sid, i64(200), "您好", at(0))
			Expect(store.MergePushed(m, nil)).To(Equal(chat.MergeAppended))
			before := store.Snapshot()

			Expect(store.MergePushed(m, nil)).To(Equal(chat.MergeDuplicate))
			Expect(store.Snapshot()).To(Equal(before))
		})

		It("collapses a local echo with the pushed copy inside the window", func() {
			store.AppendLocal(&model.Message{SessionID: sid, SenderID: user, Body: "hi", LocalAt: *at(0)})

			r := store.MergePushed(serverMsg(42, sid, user, "hi", at(600)), nil)

			Expect(r).To(Equal(chat.MergeConfirmed))
			msgs := store.Snapshot()
			Expect(msgs).To(HaveLen(1))
			Expect(*msgs[0].ID).To(Equal(int64(42)))
			Expect(msgs[0].Status).To(Equal(model.DeliveryConfirmed))
		})

		It("confirms an echo by client message id regardless of timing", func() {
			store.AppendLocal(&model.Message{SessionID: sid, SenderID: user, Body: "hi", ClientID: "c-1", LocalAt: *at(0)})

			pushed := serverMsg(42, sid, user, "hi", at(60_000))
			pushed.ClientID = "c-1"
			Expect(store.MergePushed(pushed, nil)).To(Equal(chat.MergeConfirmed))
			Expect(store.Len()).To(Equal(1))
		})

		It("keeps two identical messages that are further apart than the window", func() {
			Expect(store.MergePushed(serverMsg(1, sid, i64(200), "好的", at(0)), nil)).To(Equal(chat.MergeAppended))
			Expect(store.MergePushed(serverMsg(2, sid, i64(200), "好的", at(1500)), nil)).To(Equal(chat.MergeAppended))
			Expect(store.Len()).To(Equal(2))
		})

		It("treats a different id with same sender and body inside the window as a duplicate", func() {
			store.MergePushed(serverMsg(1, sid, i64(200), "好的", at(0)), nil)
			Expect(store.MergePushed(serverMsg(2, sid, i64(200), "好的", at(900)), nil)).To(Equal(chat.MergeDuplicate))
			Expect(store.Len()).To(Equal(1))
		})

		It("ignores own messages without a matching echo", func() {
			Expect(store.MergePushed(serverMsg(5, sid, user, "from another tab", at(0)), user)).To(Equal(chat.MergeIgnored))
			Expect(store.Len()).To(BeZero())
		})

		It("confirms the oldest failed echo for an own message outside the window", func() {
			store.AppendLocal(&model.Message{SessionID: sid, SenderID: user, Body: "retry", ClientID: "c-9", LocalAt: *at(0)})
			Expect(store.MarkFailed("c-9")).To(BeTrue())

			Expect(store.MergePushed(serverMsg(8, sid, user, "retry", at(30_000)), user)).To(Equal(chat.MergeConfirmed))
			msgs := store.Snapshot()
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].ClientID).To(Equal("c-9"))
			Expect(msgs[0].Status).To(Equal(model.DeliveryConfirmed))
		})

		It("rejects partial messages and ignores other sessions", func() {
			Expect(store.MergePushed(&model.Message{SessionID: sid, Body: "no id"}, nil)).To(Equal(chat.MergeRejected))
			Expect(store.MergePushed(serverMsg(3, sid+1, nil, "elsewhere", at(0)), nil)).To(Equal(chat.MergeIgnored))
			Expect(store.Len()).To(BeZero())
		})

		It("inserts late arrivals in time order before pending echoes", func() {
			store.MergePushed(serverMsg(1, sid, i64(200), "a", at(0)), nil)
			store.MergePushed(serverMsg(3, sid, i64(200), "c", at(5000)), nil)
			store.AppendLocal(&model.Message{SessionID: sid, SenderID: user, Body: "pending", LocalAt: *at(6000)})

			store.MergePushed(serverMsg(2, sid, i64(200), "b", at(2000)), nil)

			Expect(bodies(store.Snapshot())).To(Equal([]string{"a", "b", "c", "pending"}))
		})
	})

	Describe("MergeBacklog", func() {
		It("replaces the log on page 1 but keeps pending echoes", func() {
			store.MergePushed(serverMsg(1, sid, i64(200), "old", at(0)), nil)
			store.AppendLocal(&model.Message{SessionID: sid, SenderID: user, Body: "in flight", ClientID: "c-2", LocalAt: *at(9000)})

			ok := store.MergeBacklog(sid, []*model.Message{
				serverMsg(11, sid, i64(200), "x", at(2000)),
				serverMsg(10, sid, i64(200), "w", at(1000)),
			}, 1, true)

			Expect(ok).To(BeTrue())
			Expect(bodies(store.Snapshot())).To(Equal([]string{"w", "x", "in flight"}))
			Expect(store.Page()).To(Equal(1))
			Expect(store.HasMore()).To(BeTrue())
		})

		It("keeps failed echoes and local notices through a page 1 reload", func() {
			store.AppendLocal(&model.Message{SessionID: sid, SenderID: user, Body: "not sent", ClientID: "c-5", LocalAt: *at(500)})
			Expect(store.MarkFailed("c-5")).To(BeTrue())
			store.AppendLocal(&model.Message{SessionID: sid, Body: "发送失败", IsAutomated: true, Synthetic: true, Status: model.DeliveryConfirmed})

			store.MergeBacklog(sid, []*model.Message{serverMsg(10, sid, i64(200), "w", at(1000))}, 1, false)

			msgs := store.Snapshot()
			Expect(bodies(msgs)).To(Equal([]string{"w", "not sent", "发送失败"}))
			Expect(msgs[1].Status).To(Equal(model.DeliveryFailed))
		})

		It("drops an echo already present in the page by client id", func() {
			store.AppendLocal(&model.Message{SessionID: sid, SenderID: user, Body: "hi", ClientID: "c-3", LocalAt: *at(0)})
			confirmed := serverMsg(20, sid, user, "hi", at(100))
			confirmed.ClientID = "c-3"

			store.MergeBacklog(sid, []*model.Message{confirmed}, 1, false)
			Expect(store.Len()).To(Equal(1))
		})

		It("prepends older pages without duplicating ids", func() {
			store.MergeBacklog(sid, []*model.Message{
				serverMsg(3, sid, nil, "c", at(3000)),
				serverMsg(4, sid, nil, "d", at(4000)),
			}, 1, true)

			page, ok := store.BeginLoadOlder()
			Expect(ok).To(BeTrue())
			Expect(page).To(Equal(2))
			_, again := store.BeginLoadOlder()
			Expect(again).To(BeFalse())

			store.MergeBacklog(sid, []*model.Message{
				serverMsg(1, sid, nil, "a", at(1000)),
				serverMsg(2, sid, nil, "b", at(2000)),
				serverMsg(3, sid, nil, "c", at(3000)),
			}, page, false)
			store.EndLoadOlder()

			Expect(bodies(store.Snapshot())).To(Equal([]string{"a", "b", "c", "d"}))
			Expect(store.HasMore()).To(BeFalse())
			_, ok = store.BeginLoadOlder()
			Expect(ok).To(BeFalse())
		})

		It("skips untimed entries on older pages so the tail stays last", func() {
			store.MergeBacklog(sid, []*model.Message{serverMsg(3, sid, nil, "c", at(3000))}, 1, true)
			store.AppendLocal(&model.Message{SessionID: sid, SenderID: user, Body: "pending", ClientID: "c-6", LocalAt: *at(9000)})

			store.MergeBacklog(sid, []*model.Message{
				serverMsg(1, sid, nil, "a", at(1000)),
				{ID: i64(2), SessionID: sid, Body: "untimed"},
			}, 2, false)

			Expect(bodies(store.Snapshot())).To(Equal([]string{"a", "c", "pending"}))
		})

		It("discards a page for another session", func() {
			Expect(store.MergeBacklog(sid+1, []*model.Message{serverMsg(1, sid+1, nil, "x", at(0))}, 1, false)).To(BeFalse())
			Expect(store.Len()).To(BeZero())
		})

		It("orders by id when no message carries a timestamp", func() {
			store.MergeBacklog(sid, []*model.Message{
				{ID: i64(3), SessionID: sid, Body: "c"},
				{ID: i64(1), SessionID: sid, Body: "a"},
				{ID: i64(2), SessionID: sid, Body: "b"},
			}, 1, false)
			Expect(bodies(store.Snapshot())).To(Equal([]string{"a", "b", "c"}))
		})
	})

	It("keeps timestamped messages sorted across any mix of merges", func() {
		offsets := []int{5000, 100, 9000, 3000, 7000, 200, 8000, 4000}
		for i, off := range offsets {
			if i%3 == 0 {
				store.AppendLocal(&model.Message{SessionID: sid, SenderID: user, Body: "echo", LocalAt: *at(off)})
			}
			store.MergePushed(serverMsg(int64(i+1), sid, i64(int64(200+i)), "m", at(off)), nil)
			Expect(sentAtSorted(store.Snapshot())).To(BeTrue())
		}

		store.MergeBacklog(sid, []*model.Message{
			serverMsg(50, sid, nil, "p2-a", at(50)),
			serverMsg(51, sid, nil, "p2-b", at(60)),
		}, 2, false)
		Expect(sentAtSorted(store.Snapshot())).To(BeTrue())
	})

	It("leaves failed echoes in place", func() {
		store.AppendLocal(&model.Message{SessionID: sid, SenderID: user, Body: "lost", ClientID: "c-4"})
		Expect(store.MarkFailed("c-4")).To(BeTrue())
		Expect(store.MarkFailed("missing")).To(BeFalse())

		msgs := store.Snapshot()
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Status).To(Equal(model.DeliveryFailed))
	})
})
