package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"tgdispatch/pkg/core"
)

// multiMsgFanout is the number of report messages /send_multi_msg publishes.
const multiMsgFanout = 30

type serviceRequest struct {
	BotID    int64  `json:"bot_id"    validate:"required"`
	Token    string `json:"token"     validate:"required"`
	WantLogs bool   `json:"want_logs"`
}

type messageRequest struct {
	BotID       int64             `json:"bot_id"  validate:"required"`
	ChatID      core.ChatID       `json:"chat_id" validate:"required"`
	Text        string            `json:"text"`
	MessageID   core.MsgID        `json:"message_id"`
	ReplyMarkup *core.ReplyMarkup `json:"reply_markup,omitempty"`
	ReplyTo     core.MsgID        `json:"reply_to_message_id"`
	ExternalID  int64             `json:"external_id"`
}

func (r *messageRequest) task() core.TaskPayload {
	return core.TaskPayload{
		ExternalID:  r.ExternalID,
		BotID:       r.BotID,
		ChatID:      r.ChatID,
		Text:        r.Text,
		MessageID:   r.MessageID,
		ReplyMarkup: r.ReplyMarkup,
		ReplyTo:     r.ReplyTo,
	}
}

func (s *Server) addBot(c echo.Context) error {
	req, err := bind[serviceRequest](c)
	if err != nil {
		return err
	}

	env := core.NewServiceEnvelope(core.KindAddBot, core.ServicePayload{
		BotID:    req.BotID,
		Token:    req.Token,
		WantLogs: req.WantLogs,
	})

	s.producer.TryPublish(c.Request().Context(), env, core.ControlStream)

	return c.NoContent(http.StatusCreated)
}

func (s *Server) removeBot(c echo.Context) error {
	req, err := bind[serviceRequest](c)
	if err != nil {
		return err
	}

	env := core.NewServiceEnvelope(core.KindRemoveBot, core.ServicePayload{
		BotID: req.BotID,
		Token: req.Token,
	})

	s.producer.TryPublish(c.Request().Context(), env, core.ControlStream)

	return c.NoContent(http.StatusCreated)
}

func (s *Server) sendMsg(c echo.Context) error {
	req, err := bind[messageRequest](c)
	if err != nil {
		return err
	}

	env := core.NewTaskEnvelope(core.KindSendMsg, req.task())
	s.producer.TryPublish(c.Request().Context(), env, core.BotStream(req.BotID))

	return c.NoContent(http.StatusCreated)
}

func (s *Server) sendMultiMsg(c echo.Context) error {
	req, err := bind[messageRequest](c)
	if err != nil {
		return err
	}

	for i := range multiMsgFanout {
		task := req.task()
		task.Text = fmt.Sprintf("Report N:%d - %s", i, req.Text)

		env := core.NewTaskEnvelope(core.KindSendMsg, task)
		s.producer.TryPublish(c.Request().Context(), env, core.BotStream(req.BotID))
	}

	return c.NoContent(http.StatusCreated)
}

func (s *Server) broadcast(c echo.Context) error {
	req, err := bind[messageRequest](c)
	if err != nil {
		return err
	}

	task := req.task()
	task.Text = "Broadcast Message - " + req.Text

	env := core.NewTaskEnvelope(core.KindSendMsg, task)
	s.producer.TryPublish(c.Request().Context(), env, core.BroadcastStream(req.BotID))

	return c.NoContent(http.StatusCreated)
}

func (s *Server) deleteMsg(c echo.Context) error {
	req, err := bind[messageRequest](c)
	if err != nil {
		return err
	}

	if req.MessageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message_id is required")
	}

	env := core.NewTaskEnvelope(core.KindDelMsg, req.task())
	s.producer.TryPublish(c.Request().Context(), env, core.BroadcastStream(req.BotID))

	return c.NoContent(http.StatusCreated)
}

func (s *Server) editMsg(c echo.Context) error {
	req, err := bind[messageRequest](c)
	if err != nil {
		return err
	}

	if req.MessageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message_id is required")
	}

	env := core.NewTaskEnvelope(core.KindEditMsg, req.task())
	s.producer.TryPublish(c.Request().Context(), env, core.BroadcastStream(req.BotID))

	return c.NoContent(http.StatusCreated)
}

func bind[T any](c echo.Context) (*T, error) {
	req := new(T)

	if err := c.Bind(req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := c.Validate(req); err != nil {
		return nil, err
	}

	return req, nil
}
