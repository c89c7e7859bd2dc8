package devserver_test

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"roomchat/internal/devserver"
	"roomchat/internal/model"
)

var _ = Describe("Store", func() {
	var (
		store   *devserver.Store
		student devserver.Owner
		guest   devserver.Owner
	)

	BeforeEach(func() {
		store = devserver.NewStore()
		student = devserver.Owner{UserID: 1}
		guest = devserver.Owner{GuestID: "guest-1"}
	})

	Describe("users", func() {
		It("authenticates case-insensitively by username", func() {
			_, err := store.AddUser("Alice", "secret", devserver.RoleStudent)
			Expect(err).NotTo(HaveOccurred())

			u, err := store.Authenticate("alice", "secret")
			Expect(err).NotTo(HaveOccurred())
			Expect(u.Username).To(Equal("Alice"))

			_, err = store.Authenticate("alice", "wrong")
			Expect(err).To(MatchError(devserver.ErrPasswordWrong))
			_, err = store.Authenticate("bob", "secret")
			Expect(err).To(MatchError(devserver.ErrUserNotFound))
		})

		It("rejects duplicates", func() {
			_, err := store.AddUser("alice", "a", devserver.RoleStudent)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.AddUser("ALICE", "b", devserver.RoleStudent)
			Expect(err).To(MatchError(devserver.ErrUserExists))
		})
	})

	Describe("sessions", func() {
		It("supersedes the previous active session of the same kind", func() {
			first := store.CreateSession(devserver.KindAssistant, student)
			staff := store.CreateSession(devserver.KindStaff, student)
			second := store.CreateSession(devserver.KindAssistant, student)

			old, err := store.Session(first.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(old.IsActive()).To(BeFalse())

			other, err := store.Session(staff.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(other.IsActive()).To(BeTrue())

			latest, ok := store.Latest(devserver.KindAssistant, student)
			Expect(ok).To(BeTrue())
			Expect(latest.ID).To(Equal(second.ID))
		})

		It("scopes guest sessions to the guest id", func() {
			sess := store.CreateSession(devserver.KindAssistant, guest)
			Expect(store.CanAccess(sess.ID, guest, "")).To(BeTrue())
			Expect(store.CanAccess(sess.ID, devserver.Owner{GuestID: "guest-2"}, "")).To(BeFalse())
			Expect(store.CanAccess(sess.ID, student, devserver.RoleStudent)).To(BeFalse())

			_, ok := store.Latest(devserver.KindAssistant, devserver.Owner{GuestID: "guest-2"})
			Expect(ok).To(BeFalse())
		})

		It("lets staff see every staff session but no assistant session", func() {
			assistant := store.CreateSession(devserver.KindAssistant, student)
			staffSess := store.CreateSession(devserver.KindStaff, student)
			store.CreateSession(devserver.KindStaff, devserver.Owner{UserID: 2})
			worker := devserver.Owner{UserID: 3}

			Expect(store.CanAccess(staffSess.ID, worker, devserver.RoleStaff)).To(BeTrue())
			Expect(store.CanAccess(assistant.ID, worker, devserver.RoleStaff)).To(BeFalse())

			Expect(store.ListStaff(&devserver.User{ID: 3, Role: devserver.RoleStaff})).To(HaveLen(2))
			Expect(store.ListStaff(&devserver.User{ID: 1, Role: devserver.RoleStudent})).To(HaveLen(1))
		})

		It("delivers to the owner and the assigned staff", func() {
			sess := store.CreateSession(devserver.KindStaff, student)
			Expect(store.Participants(sess.ID)).To(ConsistOf(int64(1)))

			store.AssignStaff(sess.ID, 3)
			store.AssignStaff(sess.ID, 4)
			Expect(store.Participants(sess.ID)).To(ConsistOf(int64(1), int64(3)))
			Expect(store.Participants(999)).To(BeEmpty())
		})
	})

	Describe("messages", func() {
		var sess *model.Session

		BeforeEach(func() {
			sess = store.CreateSession(devserver.KindStaff, student)
		})

		add := func(body string) *model.Message {
			m, err := store.AddMessage(&model.Message{SessionID: sess.ID, Body: body})
			Expect(err).NotTo(HaveOccurred())
			return m
		}

		It("assigns ids and strictly increasing timestamps", func() {
			a := add("a")
			b := add("b")
			Expect(*b.ID).To(BeNumerically(">", *a.ID))
			Expect(b.SentAt.After(*a.SentAt)).To(BeTrue())

			got, err := store.Session(sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.MessageCount).To(Equal(2))
			Expect(got.LastMessagePreview).To(Equal("b"))
		})

		It("refuses ended or unknown sessions", func() {
			Expect(store.EndSession(sess.ID)).To(Succeed())
			_, err := store.AddMessage(&model.Message{SessionID: sess.ID, Body: "x"})
			Expect(err).To(MatchError(devserver.ErrSessionEnded))

			_, err = store.AddMessage(&model.Message{SessionID: 999, Body: "x"})
			Expect(err).To(MatchError(devserver.ErrSessionNotFound))
			Expect(store.EndSession(999)).To(MatchError(devserver.ErrSessionNotFound))
		})

		It("pages newest first with ascending order inside a page", func() {
			for i := 0; i < 5; i++ {
				add(fmt.Sprintf("m%d", i))
			}

			page1, total, more := store.Messages(sess.ID, 1, 2)
			Expect(total).To(Equal(int64(5)))
			Expect(more).To(BeTrue())
			Expect(page1[0].Body).To(Equal("m3"))
			Expect(page1[1].Body).To(Equal("m4"))

			page3, _, more := store.Messages(sess.ID, 3, 2)
			Expect(more).To(BeFalse())
			Expect(page3).To(HaveLen(1))
			Expect(page3[0].Body).To(Equal("m0"))

			beyond, _, more := store.Messages(sess.ID, 4, 2)
			Expect(beyond).To(BeEmpty())
			Expect(more).To(BeFalse())
		})

		It("returns copies", func() {
			m := add("original")
			m.Body = "changed"

			page, _, _ := store.Messages(sess.ID, 1, 10)
			Expect(page[0].Body).To(Equal("original"))
		})
	})
})
