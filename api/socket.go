package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"throne-api/broadcast"
)

const (
	// pongWait bounds the silence tolerated before the peer is presumed gone.
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 10 * time.Second

	socketReadLimit = postBodyMaxSize
)

const (
	socketActionPublish = "publish"

	// messages sent to a single socket
	socketPublishResult = "publishResult"
	socketError         = "error"
)

var (
	errSessionClosed = errors.New("session closed")

	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
)

// socketConn is the part of *websocket.Conn the controller uses.
type socketConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	SetPongHandler(func(string) error)
	SetReadLimit(int64)
	Close() error
}

type socketRequest struct {
	Action string `json:"action"`
	publishRequest
}

type socketErrorPayload struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Outcome string `json:"outcome,omitempty"`
}

// socketUpdates upgrades to a WebSocket that streams observer messages and
// accepts publish actions from the participant.
func socketUpdates(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		s := d.Hub.Connect()
		userID, err := d.Hub.Authenticate(s, observerAuthHeader(c))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			d.Hub.Disconnect(s)
			return nil
		}
		ctrl := &socketController{deps: d, conn: conn, session: s, userID: userID, log: d.Logger}
		ctrl.run(c.Request().Context())
		return nil
	}
}

type socketController struct {
	deps    Deps
	conn    socketConn
	session *broadcast.Session
	userID  string
	log     *log.Logger
}

func (sc *socketController) run(ctx context.Context) {
	defer sc.conn.Close()
	defer sc.deps.Hub.Disconnect(sc.session)

	sc.conn.SetReadLimit(socketReadLimit)
	if err := sc.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		sc.log.WithError(err).Warn("set socket read deadline")
		return
	}
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	if err := sc.deps.Hub.Subscribe(sc.session); err != nil {
		sc.log.WithError(err).Warn("subscribe socket session")
		return
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return sc.keepalive(gCtx) })
	g.Go(func() error { return sc.write(gCtx) })
	g.Go(func() error { return sc.read(gCtx) })
	g.Go(func() error {
		// unblocks the reader once any routine stops
		<-gCtx.Done()
		sc.conn.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !isExpectedClose(err) {
		sc.log.WithError(err).WithField("session", sc.session.ID).Debug("socket closed")
	}
}

func isExpectedClose(err error) bool {
	return errors.Is(err, errSessionClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (sc *socketController) keepalive(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		}
	}
}

func (sc *socketController) write(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sc.session.Done():
			return errSessionClosed
		case m := <-sc.session.Outbox():
			if err := sc.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := sc.conn.WriteJSON(m); err != nil {
				return err
			}
		}
	}
}

func (sc *socketController) read(ctx context.Context) error {
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var req socketRequest
		if err := json.Unmarshal(data, &req); err != nil {
			sc.reply(socketError, socketErrorPayload{Status: http.StatusBadRequest, Error: "invalid message"})
			continue
		}
		switch req.Action {
		case socketActionPublish:
			sc.handlePublish(ctx, req.publishRequest)
		default:
			sc.reply(socketError, socketErrorPayload{Status: http.StatusBadRequest, Error: fmt.Sprintf("unknown action %q", req.Action)})
		}
	}
}

func (sc *socketController) handlePublish(ctx context.Context, body publishRequest) {
	metrics, spanCtx := newPublishRequestMetrics(ctx, sc.log)
	metrics.SetRoute("/ws")
	resp, res, err := publish(spanCtx, sc.deps, sc.userID, body, metrics)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, errDuplicateRequest) {
			status = http.StatusConflict
		}
		metrics.Log(status, err)
		sc.reply(socketError, socketErrorPayload{Status: status, Error: err.Error(), Outcome: string(res.Outcome)})
		return
	}
	metrics.Log(http.StatusOK, nil)
	sc.reply(socketPublishResult, resp)
}

func (sc *socketController) reply(typ string, v any) {
	m, err := broadcast.NewMessage(typ, v)
	if err != nil {
		sc.log.WithError(err).Error("encode socket reply")
		return
	}
	if err := sc.deps.Hub.Send(sc.session.ID, m); err != nil {
		sc.log.WithError(err).WithField("session", sc.session.ID).Debug("socket reply not queued")
	}
}
