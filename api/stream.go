package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const sseKeepalive = 25 * time.Second

// streamUpdates serves observer messages as server-sent events. The first
// events carry the full current state.
func streamUpdates(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		s := d.Hub.Connect()
		if _, err := d.Hub.Authenticate(s, observerAuthHeader(c)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		defer d.Hub.Disconnect(s)

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		if err := d.Hub.Subscribe(s); err != nil {
			return err
		}

		ctx := c.Request().Context()
		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-s.Done():
				return nil
			case <-keepalive.C:
				if _, err := c.Response().Write([]byte(": keepalive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case m := <-s.Outbox():
				if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", m.Type, m.Data); err != nil {
					c.Logger().Error(err)
					return nil
				}
				flusher.Flush()
			}
		}
	}
}
