package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/quietwire/server/internal/auth"
	"github.com/quietwire/server/internal/config"
	"github.com/quietwire/server/internal/protocol"
	"github.com/quietwire/server/internal/relay"
)

const identityKey = "quietwire.identity"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are native apps, not browsers; origin carries no signal.
	CheckOrigin: func(*http.Request) bool { return true },
}

type handlers struct {
	deps Deps
	cfg  config.Config
	log  *zap.Logger
}

type credentialsRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	IdentityKey string `json:"identityKey"`
}

type tokenResponse struct {
	Token      string `json:"token"`
	Identifier string `json:"identifier"`
	Username   string `json:"username"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) websocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	conn := relay.NewWSConn(ws, h.cfg.WriteBufferDepth)
	h.deps.Hub.Serve(conn)
	return nil
}

func (h *handlers) register(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed body"})
	}
	if req.Username == "" || len(req.Password) < 8 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "username and a password of at least 8 characters are required"})
	}

	token, id, err := h.deps.Auth.Register(req.Username, req.Password, req.IdentityKey)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			return c.JSON(http.StatusConflict, errorResponse{Error: "username taken"})
		}
		h.log.Error("register failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "registration failed"})
	}
	return c.JSON(http.StatusCreated, tokenResponse{Token: token, Identifier: id.Identifier, Username: id.Username})
}

func (h *handlers) login(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed body"})
	}

	token, id, err := h.deps.Auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		}
		h.log.Error("login failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "login failed"})
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: token, Identifier: id.Identifier, Username: id.Username})
}

// requireToken guards the API group with a bearer token.
func (h *handlers) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
		}
		id, err := h.deps.Verifier.VerifyProof(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid token"})
		}
		c.Set(identityKey, id)
		return next(c)
	}
}

func identity(c echo.Context) auth.Identity {
	id, _ := c.Get(identityKey).(auth.Identity)
	return id
}

// sendMessage is the polling client's path into the same router the
// websocket sessions use.
func (h *handlers) sendMessage(c echo.Context) error {
	var msg protocol.SendMessage
	if err := c.Bind(&msg); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed body"})
	}
	msg.SenderID = identity(c).Identifier

	if err := h.deps.Router.Send(&msg); err != nil {
		switch {
		case errors.Is(err, protocol.ErrValidation):
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		case errors.Is(err, relay.ErrPersistence):
			h.log.Error("send failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "message could not be stored"})
		default:
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "send failed"})
		}
	}
	return c.JSON(http.StatusAccepted, map[string]string{"messageId": msg.MessageID, "status": "sent"})
}

func (h *handlers) receiveMessages(c echo.Context) error {
	msgs, err := h.deps.DB.ListConversation(identity(c).Identifier)
	if err != nil {
		h.log.Error("receive failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
	}
	out := make([]protocol.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.MessagePayload{
			MessageID: m.MessageID,
			ChatID:    m.ChatID,
			Sender:    m.SenderID,
			Encrypted: m.EncryptedContent,
			IV:        m.IV,
			Timestamp: m.Timestamp,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *handlers) clearConversation(c echo.Context) error {
	req := protocol.ClearConversation{ContactID: c.QueryParam("contactId")}
	if err := h.deps.Clears.Clear(identity(c).Identifier, &req); err != nil {
		if errors.Is(err, protocol.ErrValidation) {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		h.log.Error("clear failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "clear failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *handlers) listContacts(c echo.Context) error {
	contacts, err := h.deps.DB.ContactsOf(identity(c).Identifier)
	if err != nil {
		h.log.Error("contact lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
	}
	if contacts == nil {
		contacts = []string{}
	}
	return c.JSON(http.StatusOK, contacts)
}

func (h *handlers) addContact(c echo.Context) error {
	var req struct {
		ContactID string `json:"contactId"`
	}
	if err := c.Bind(&req); err != nil || req.ContactID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "contactId required"})
	}
	if err := h.deps.DB.AddContact(identity(c).Identifier, req.ContactID); err != nil {
		h.log.Error("add contact failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "add failed"})
	}
	return c.JSON(http.StatusCreated, map[string]string{"contactId": req.ContactID})
}
