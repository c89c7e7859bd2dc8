package devserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"roomchat/internal/api"
	"roomchat/internal/config"
	"roomchat/internal/devserver"
	"roomchat/pkg/response"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

var _ = Describe("Handler", func() {
	var srv *devserver.Server

	BeforeEach(func() {
		var err error
		srv, err = devserver.New(context.Background(), config.DevServerConfig{
			JWTSecret:    "test-secret",
			AccessExpire: time.Hour,
		}, zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(srv.Close()).To(Succeed())
	})

	do := func(method, path string, body interface{}, header http.Header) (int, envelope) {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range header {
			req.Header[k] = v
		}
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		var env envelope
		Expect(json.Unmarshal(w.Body.Bytes(), &env)).To(Succeed())
		return w.Code, env
	}

	bearer := func(userID int64, username, role string) http.Header {
		token, err := srv.JWT().GenerateAccessToken(userID, username, role)
		Expect(err).NotTo(HaveOccurred())
		return http.Header{"Authorization": {"Bearer " + token}}
	}

	guest := http.Header{api.GuestHeader: {"guest-1"}}

	It("answers health checks", func() {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusOK))
	})

	Describe("login", func() {
		It("issues a token for seeded users", func() {
			status, env := do(http.MethodPost, "/api/v1/auth/login",
				map[string]string{"username": "staff", "password": "staff123"}, nil)
			Expect(status).To(Equal(http.StatusOK))

			var out api.LoginResponse
			Expect(json.Unmarshal(env.Data, &out)).To(Succeed())
			Expect(out.Role).To(Equal(devserver.RoleStaff))

			claims, err := srv.JWT().ValidateToken(out.AccessToken)
			Expect(err).NotTo(HaveOccurred())
			Expect(claims.UserID).To(Equal(out.UserID))
		})

		It("rejects a wrong password", func() {
			status, env := do(http.MethodPost, "/api/v1/auth/login",
				map[string]string{"username": "student", "password": "x"}, nil)
			Expect(status).To(Equal(http.StatusUnauthorized))
			Expect(env.Code).To(Equal(response.CodePasswordWrong))
		})

		It("rejects a malformed body", func() {
			status, env := do(http.MethodPost, "/api/v1/auth/login", map[string]string{}, nil)
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(env.Code).To(Equal(response.CodeBadRequest))
		})
	})

	Describe("assistant routes", func() {
		It("need either a token or a guest id", func() {
			status, _ := do(http.MethodGet, "/api/v1/chat/assistant/latest", nil, nil)
			Expect(status).To(Equal(http.StatusUnauthorized))

			status, _ = do(http.MethodGet, "/api/v1/chat/assistant/latest", nil,
				http.Header{"Authorization": {"Bearer garbage"}})
			Expect(status).To(Equal(http.StatusUnauthorized))
		})

		It("answers an explicit create with 201", func() {
			status, env := do(http.MethodPost, "/api/v1/chat/assistant/sessions", nil, guest)
			Expect(status).To(Equal(http.StatusCreated))
			Expect(env.Code).To(Equal(response.CodeSuccess))

			var backlog api.SessionBacklog
			Expect(json.Unmarshal(env.Data, &backlog)).To(Succeed())
			Expect(backlog.IsNewSession).To(BeTrue())
			Expect(backlog.Welcome).NotTo(BeEmpty())
		})

		It("rejects blank content", func() {
			_, env := do(http.MethodGet, "/api/v1/chat/assistant/latest", nil, guest)
			var backlog api.SessionBacklog
			Expect(json.Unmarshal(env.Data, &backlog)).To(Succeed())

			status, _ := do(http.MethodPost, "/api/v1/chat/assistant/messages",
				api.SendRequest{SessionID: backlog.Session.ID, Content: "   "}, guest)
			Expect(status).To(Equal(http.StatusBadRequest))
		})

		It("does not accept staff sessions", func() {
			sess := srv.Store().CreateSession(devserver.KindStaff, devserver.Owner{UserID: 1})
			status, env := do(http.MethodPost, "/api/v1/chat/assistant/messages",
				api.SendRequest{SessionID: sess.ID, Content: "hi"}, bearer(1, "student", devserver.RoleStudent))
			Expect(status).To(Equal(http.StatusNotFound))
			Expect(env.Code).To(Equal(response.CodeSessionNotFound))
		})
	})

	Describe("staff routes", func() {
		var sessionID int64

		BeforeEach(func() {
			status, env := do(http.MethodPost, "/api/v1/chat/staff/sessions", nil,
				bearer(1, "student", devserver.RoleStudent))
			Expect(status).To(Equal(http.StatusCreated))
			var backlog api.SessionBacklog
			Expect(json.Unmarshal(env.Data, &backlog)).To(Succeed())
			Expect(backlog.IsNewSession).To(BeTrue())
			sessionID = backlog.Session.ID
		})

		It("are closed to guests", func() {
			status, _ := do(http.MethodGet, "/api/v1/chat/staff/latest", nil, guest)
			Expect(status).To(Equal(http.StatusUnauthorized))
		})

		It("keep other students out", func() {
			status, env := do(http.MethodPost, "/api/v1/chat/staff/messages",
				api.SendRequest{SessionID: sessionID, Content: "hi"}, bearer(2, "alice", devserver.RoleStudent))
			Expect(status).To(Equal(http.StatusForbidden))
			Expect(env.Code).To(Equal(response.CodeForbidden))
		})

		It("reserve replies for staff", func() {
			path := fmt.Sprintf("/api/v1/staff/sessions/%d/messages", sessionID)
			status, _ := do(http.MethodPost, path, map[string]string{"content": "hi"},
				bearer(1, "student", devserver.RoleStudent))
			Expect(status).To(Equal(http.StatusForbidden))

			status, env := do(http.MethodPost, path, map[string]string{"content": "您好，请问需要什么帮助？"},
				bearer(3, "staff", devserver.RoleStaff))
			Expect(status).To(Equal(http.StatusOK))

			var ack api.SendAck
			Expect(json.Unmarshal(env.Data, &ack)).To(Succeed())
			Expect(*ack.Message.SenderID).To(Equal(int64(3)))
			Expect(srv.Store().Participants(sessionID)).To(ConsistOf(int64(1), int64(3)))
		})

		It("report ended sessions as a conflict", func() {
			status, _ := do(http.MethodPost, fmt.Sprintf("/api/v1/staff/sessions/%d/end", sessionID), nil,
				bearer(3, "staff", devserver.RoleStaff))
			Expect(status).To(Equal(http.StatusOK))

			status, env := do(http.MethodPost, "/api/v1/chat/staff/messages",
				api.SendRequest{SessionID: sessionID, Content: "还在吗"}, bearer(1, "student", devserver.RoleStudent))
			Expect(status).To(Equal(http.StatusConflict))
			Expect(env.Code).To(Equal(response.CodeSessionEnded))
		})

		It("validates session ids in the path", func() {
			status, _ := do(http.MethodGet, "/api/v1/chat/sessions/abc/messages", nil,
				bearer(1, "student", devserver.RoleStudent))
			Expect(status).To(Equal(http.StatusBadRequest))
		})

		It("clamps oversized pages", func() {
			path := fmt.Sprintf("/api/v1/chat/sessions/%d/messages?page=0&page_size=1000", sessionID)
			status, env := do(http.MethodGet, path, nil, bearer(1, "student", devserver.RoleStudent))
			Expect(status).To(Equal(http.StatusOK))

			var page api.MessagePage
			Expect(json.Unmarshal(env.Data, &page)).To(Succeed())
			Expect(page.Page).To(Equal(1))
			Expect(page.PageSize).To(Equal(50))
		})
	})

	It("answers unknown routes with the not-found envelope", func() {
		status, env := do(http.MethodGet, "/api/v1/rooms", nil, nil)
		Expect(status).To(Equal(http.StatusNotFound))
		Expect(env.Code).To(Equal(response.CodeNotFound))
	})

	It("refuses websocket upgrades without a valid token", func() {
		status, env := do(http.MethodGet, "/ws/chat", nil, nil)
		Expect(status).To(Equal(http.StatusUnauthorized))
		Expect(env.Code).To(Equal(response.CodeUnauthorized))

		status, _ = do(http.MethodGet, "/ws/chat?token=bad", nil, nil)
		Expect(status).To(Equal(http.StatusUnauthorized))
	})
})
