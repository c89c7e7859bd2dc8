package chat_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"roomchat/internal/api"
	"roomchat/internal/chat"
	"roomchat/internal/model"
)

var _ = Describe("Directory", func() {
	var (
		ctx     context.Context
		backend *fakeBackend
		dir     *chat.Directory
		t0      time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		backend = newFakeBackend()
		dir = chat.NewDirectory(backend)
		t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	})

	session := func(id int64, kind string, started time.Time) *model.Session {
		return &model.Session{ID: id, Kind: kind, StartedAt: started}
	}

	It("reports a missing staff session", func() {
		_, err := dir.ResolveCurrent(ctx, model.ModeStaff)
		Expect(err).To(MatchError(chat.ErrNoActiveSession))
	})

	It("does not resume an ended staff session", func() {
		ended := session(4, "staff", t0)
		at := t0.Add(time.Hour)
		ended.EndedAt = &at
		backend.latestStaff = func(context.Context) (*api.SessionBacklog, error) {
			return &api.SessionBacklog{Session: ended}, nil
		}

		_, err := dir.ResolveCurrent(ctx, model.ModeStaff)
		Expect(err).To(MatchError(chat.ErrNoActiveSession))
	})

	It("marks created sessions as new", func() {
		backend.createStaff = func(context.Context) (*api.SessionBacklog, error) {
			return &api.SessionBacklog{Session: session(9, "staff", t0), Page: 1}, nil
		}

		res, err := dir.CreateStaffSession(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.IsNew).To(BeTrue())
		Expect(res.Session.Mode).To(Equal(model.ModeStaff))
	})

	It("lists staff sessions newest first and remembers them", func() {
		backend.listStaff = func(context.Context) ([]*model.Session, error) {
			return []*model.Session{
				session(1, "staff", t0),
				session(3, "staff", t0.Add(2*time.Hour)),
				session(2, "staff", t0.Add(time.Hour)),
			}, nil
		}

		list, err := dir.ListStaffSessions(ctx)
		Expect(err).NotTo(HaveOccurred())
		ids := []int64{}
		for _, s := range list {
			ids = append(ids, s.ID)
		}
		Expect(ids).To(Equal([]int64{3, 2, 1}))

		_, ok := dir.Lookup(2)
		Expect(ok).To(BeTrue())
		Expect(dir.Sessions()).To(HaveLen(3))
	})

	It("keeps one current session per mode", func() {
		dir.SetCurrent(model.ModeAssistant, session(1, "assistant", t0))
		dir.SetCurrent(model.ModeStaff, session(2, "staff", t0))

		Expect(dir.Current(model.ModeAssistant).ID).To(Equal(int64(1)))
		Expect(dir.Current(model.ModeStaff).ID).To(Equal(int64(2)))

		dir.SetCurrent(model.ModeStaff, nil)
		Expect(dir.Current(model.ModeStaff)).To(BeNil())
		Expect(dir.Current(model.ModeAssistant).ID).To(Equal(int64(1)))

		dir.Clear()
		Expect(dir.Current(model.ModeAssistant)).To(BeNil())
	})

	It("refreshes summaries of known sessions only", func() {
		dir.SetCurrent(model.ModeStaff, session(2, "staff", t0))
		sent := t0.Add(time.Minute)
		id := int64(10)

		Expect(dir.Touch(&model.Message{ID: &id, SessionID: 2, Body: "新消息", SentAt: &sent})).To(BeTrue())
		Expect(dir.Touch(&model.Message{ID: &id, SessionID: 99, Body: "x", SentAt: &sent})).To(BeFalse())

		s, _ := dir.Lookup(2)
		Expect(s.MessageCount).To(Equal(1))
		Expect(s.LastMessagePreview).To(Equal("新消息"))
		Expect(*s.LastMessageAt).To(Equal(sent))
	})
})

var _ = Describe("Bus", func() {
	It("delivers events in order to every subscriber until unsubscribed", func() {
		bus := chat.NewBus()
		var first, second []chat.EventType
		unsubscribe := bus.Subscribe(func(e chat.Event) { first = append(first, e.Type) })
		bus.Subscribe(func(e chat.Event) { second = append(second, e.Type) })

		bus.Publish(chat.Event{Type: chat.EventMessages}, chat.Event{Type: chat.EventScrollToLatest})
		unsubscribe()
		bus.Publish(chat.Event{Type: chat.EventState})

		Expect(first).To(Equal([]chat.EventType{chat.EventMessages, chat.EventScrollToLatest}))
		Expect(second).To(Equal([]chat.EventType{chat.EventMessages, chat.EventScrollToLatest, chat.EventState}))
	})
})
