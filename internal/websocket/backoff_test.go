package websocket_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"roomchat/internal/websocket"
)

var _ = Describe("Schedule", func() {
	It("reconnects immediately and then waits 2s, 10s and 30s", func() {
		s := websocket.NewSchedule(2*time.Second, 30*time.Second, 5)

		Expect(s.Next()).To(Equal(time.Duration(0)))
		Expect(s.Next()).To(Equal(2 * time.Second))
		Expect(s.Next()).To(Equal(10 * time.Second))
		Expect(s.Next()).To(Equal(30 * time.Second))
		Expect(s.Next()).To(Equal(30 * time.Second))
		Expect(s.Attempt()).To(Equal(5))
	})

	DescribeTable("never decreases and never exceeds the ceiling",
		func(initial, ceiling time.Duration, multiplier float64) {
			s := websocket.NewSchedule(initial, ceiling, multiplier)
			prev := time.Duration(0)
			for i := 0; i < 50; i++ {
				d := s.Next()
				Expect(d).To(BeNumerically(">=", prev))
				Expect(d).To(BeNumerically("<=", ceiling))
				prev = d
			}
			Expect(prev).To(Equal(ceiling))
		},
		Entry("default cadence", 2*time.Second, 30*time.Second, 5.0),
		Entry("slow growth", 100*time.Millisecond, 5*time.Second, 1.5),
		Entry("initial above ceiling", time.Minute, 10*time.Second, 2.0),
		Entry("flat multiplier", time.Second, time.Second, 1.0),
	)
})
