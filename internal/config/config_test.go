package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"roomchat/internal/config"
)

var _ = Describe("Config", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		Expect(config.Init(dir)).To(Succeed())
	})

	It("writes a default file on first run", func() {
		Expect(config.Path()).To(Equal(filepath.Join(dir, "config.yaml")))
		_, err := os.Stat(config.Path())
		Expect(err).NotTo(HaveOccurred())

		cfg := config.Get()
		Expect(cfg.Chat.PageSize).To(Equal(50))
		Expect(cfg.Transport.MaxAttempts).To(Equal(4))
		Expect(cfg.Transport.InitialDelay).To(Equal(2 * time.Second))
		Expect(config.IsLoggedIn()).To(BeFalse())
	})

	It("persists credentials across restarts", func() {
		Expect(config.SaveAuth("token-1", "student")).To(Succeed())
		Expect(config.IsLoggedIn()).To(BeTrue())

		Expect(config.Init(dir)).To(Succeed())
		Expect(config.GetAccessToken()).To(Equal("token-1"))
		Expect(config.Get().Auth.Username).To(Equal("student"))

		Expect(config.ClearToken()).To(Succeed())
		Expect(config.Init(dir)).To(Succeed())
		Expect(config.GetAccessToken()).To(BeEmpty())
	})

	It("keeps the guest id stable", func() {
		first, err := config.GetGuestID()
		Expect(err).NotTo(HaveOccurred())
		Expect(first).NotTo(BeEmpty())

		Expect(config.ClearToken()).To(Succeed())
		Expect(config.Init(dir)).To(Succeed())
		second, err := config.GetGuestID()
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(first))
	})

	It("derives the websocket address from the server address", func() {
		config.SetServerURL("https://rooms.example.edu")
		Expect(config.GetServerURL()).To(Equal("https://rooms.example.edu"))
		Expect(config.GetWSURL()).To(Equal("wss://rooms.example.edu"))
	})

	DescribeTable("DeriveWSURL",
		func(in, want string) {
			Expect(config.DeriveWSURL(in)).To(Equal(want))
		},
		Entry("http", "http://localhost:8080", "ws://localhost:8080"),
		Entry("https", "https://a.b", "wss://a.b"),
		Entry("already ws", "ws://x", "ws://x"),
	)

	It("reads overrides from the environment", func() {
		GinkgoT().Setenv("ROOMCHAT_CHAT_PAGE_SIZE", "12")
		Expect(config.Init(dir)).To(Succeed())
		Expect(config.Get().Chat.PageSize).To(Equal(12))
	})
})
