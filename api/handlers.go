package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"throne-api/broadcast"
	"throne-api/domain"
	"throne-api/reign"
	"throne-api/storage"
)

var errDuplicateRequest = errors.New("duplicate idempotency key")

// Deps are the collaborators shared by all routes. Deduper and Latest are optional.
type Deps struct {
	Coordinator    Coordinator
	Auth           Authenticator
	Artifacts      ArtifactStore
	Hub            *broadcast.Hub
	Deduper        Deduper
	Latest         LatestReader
	Logger         *log.Logger
	FeedLimit      int
	UploadMaxBytes int64
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.FeedLimit <= 0 || d.FeedLimit > maxFeedLimit {
		d.FeedLimit = defaultFeedLimit
	}
	if d.UploadMaxBytes <= 0 {
		d.UploadMaxBytes = defaultUploadMaxSize
	}

	e.GET("/ping", ping)
	e.GET("/healthz", healthz(d.Coordinator))
	e.GET("/api/users", getUsers(d))
	e.GET("/api/current-game-state", getGameState(d))
	e.GET("/api/activity-feed", getActivityFeed(d))
	e.GET("/api/check-username-uniqueness", checkUsername(d))
	e.GET("/api/live/:topic", getLatest(d))
	e.POST("/api/add-new-user", addUser(d))
	e.POST("/api/upload-audio", uploadAudio(d))
	e.POST("/api/publish", postPublish(d))
	if d.Hub != nil {
		e.GET("/stream", streamUpdates(d))
		e.GET("/ws", socketUpdates(d))
	}
}

func ping(c echo.Context) error {
	return c.String(http.StatusOK, "pong")
}

func healthz(coord Coordinator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if coord.Repairing() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "repairing"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

func authenticate(c echo.Context, auth Authenticator) (string, error) {
	userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return "", c.String(http.StatusUnauthorized, err.Error())
	}
	return userID, nil
}

func writeError(c echo.Context, err error, outcome reign.Outcome) error {
	return c.JSON(statusFor(err), errorResponse{Error: err.Error(), Outcome: string(outcome)})
}

func getUsers(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, d.Auth); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, d.Coordinator.Snapshot().ParticipantViews())
	}
}

func getGameState(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, d.Auth); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, d.Coordinator.Snapshot().Ledger.View())
	}
}

func getActivityFeed(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, d.Auth); err != nil {
			return err
		}
		limit := d.FeedLimit
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return c.String(http.StatusBadRequest, "invalid limit")
			}
			limit = min(n, maxFeedLimit)
		}
		return c.JSON(http.StatusOK, d.Coordinator.Snapshot().EventViews(limit))
	}
}

func checkUsername(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, d.Auth); err != nil {
			return err
		}
		name := strings.TrimSpace(c.QueryParam("username"))
		if name == "" {
			return c.String(http.StatusBadRequest, "username required")
		}
		return c.JSON(http.StatusOK, uniquenessResponse{IsUnique: d.Coordinator.DisplayNameAvailable(name)})
	}
}

// getLatest serves the last payload relayed for an observer topic.
func getLatest(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, d.Auth); err != nil {
			return err
		}
		if d.Latest == nil {
			return c.NoContent(http.StatusNotFound)
		}
		topic := c.Param("topic")
		switch topic {
		case broadcast.TopicUsers, broadcast.TopicGameState, broadcast.TopicFeed:
		default:
			return c.String(http.StatusBadRequest, "unknown topic")
		}
		data, ok, err := d.Latest.Latest(c.Request().Context(), topic)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusServiceUnavailable, "latest payload unavailable")
		}
		if !ok {
			return c.NoContent(http.StatusNotFound)
		}
		return c.JSONBlob(http.StatusOK, data)
	}
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postBodyMaxSize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func addUser(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, d.Auth)
		if err != nil {
			return err
		}
		var body addUserRequest
		if err := decodeBody(c, &body); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		p, created, err := d.Coordinator.Register(c.Request().Context(), reign.RegisterRequest{
			ParticipantID: userID,
			DisplayName:   body.Username,
			AvatarRef:     body.AvatarURL,
		})
		if err != nil {
			if statusFor(err) >= http.StatusInternalServerError {
				d.Logger.WithError(err).WithField("participant_id", userID).Error("register participant")
			}
			return writeError(c, err, "")
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return c.JSON(status, addUserResponse{User: p.View(), Created: created})
	}
}

func uploadAudio(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, d.Auth); err != nil {
			return err
		}
		req := c.Request()
		req.Body = http.MaxBytesReader(c.Response(), req.Body, d.UploadMaxBytes+postBodyMaxSize)
		fh, err := c.FormFile("audioFile")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return c.String(http.StatusRequestEntityTooLarge, "upload too large")
			}
			return c.String(http.StatusBadRequest, "no files were uploaded")
		}
		if fh.Size > d.UploadMaxBytes {
			return c.String(http.StatusRequestEntityTooLarge, "upload too large")
		}
		contentType := fh.Header.Get(echo.HeaderContentType)
		if !strings.HasPrefix(contentType, "audio/") {
			return c.String(http.StatusBadRequest, "only audio files are allowed")
		}
		f, err := fh.Open()
		if err != nil {
			return c.String(http.StatusBadRequest, "unreadable upload")
		}
		defer f.Close()

		ref, err := d.Artifacts.Store(req.Context(), f, contentType)
		if err != nil {
			if errors.Is(err, storage.ErrArtifactInvalid) {
				return c.String(http.StatusBadRequest, err.Error())
			}
			d.Logger.WithError(err).Error("store uploaded audio")
			return c.String(http.StatusInternalServerError, "error uploading audio")
		}
		return c.JSON(http.StatusOK, uploadResponse{PublicURL: ref})
	}
}

func postPublish(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newPublishRequestMetrics(c.Request().Context(), d.Logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		var failure error
		defer func() {
			if failure == nil {
				failure = err
			}
			metrics.Log(c.Response().Status, failure)
		}()

		authStart := time.Now()
		userID, authErr := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			failure = authErr
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		var body publishRequest
		if decodeErr := decodeBody(c, &body); decodeErr != nil {
			metrics.SetErrorStage("decode")
			failure = decodeErr
			return c.String(http.StatusBadRequest, "invalid body")
		}

		resp, res, pubErr := publish(spanCtx, d, userID, body, metrics)
		if pubErr != nil {
			failure = pubErr
			if errors.Is(pubErr, errDuplicateRequest) {
				return c.JSON(http.StatusConflict, errorResponse{Error: pubErr.Error()})
			}
			if statusFor(pubErr) >= http.StatusInternalServerError {
				d.Logger.WithError(pubErr).WithField("participant_id", userID).Error("publish")
			}
			return writeError(c, pubErr, res.Outcome)
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// publish runs one publish through the deduper and the coordinator. It is
// shared by the HTTP route and the socket action.
func publish(ctx context.Context, d Deps, userID string, body publishRequest, metrics *publishRequestMetrics) (publishResponse, reign.TransitionResult, error) {
	metrics.SetExpectedHolderProvided(body.ExpectedHolderID != "")
	metrics.SetIdempotencyKeyProvided(body.IdempotencyKey != "")

	key := body.IdempotencyKey
	if key != "" && d.Deduper != nil {
		added, err := d.Deduper.Add(ctx, userID, key)
		if err != nil {
			metrics.SetErrorStage("dedupe")
			return publishResponse{}, reign.TransitionResult{}, domain.Dependency("publish", err)
		}
		if !added {
			metrics.SetDuplicate(true)
			metrics.SetErrorStage("duplicate")
			return publishResponse{}, reign.TransitionResult{}, errDuplicateRequest
		}
	}
	if key == "" {
		key = uuid.NewString()
	}

	start := time.Now()
	res, err := d.Coordinator.Publish(ctx, reign.PublishRequest{
		ParticipantID:    userID,
		ArtifactRef:      strings.TrimSpace(body.ArtifactRef),
		ExpectedHolderID: body.ExpectedHolderID,
		IdempotencyKey:   key,
	})
	metrics.ObservePublish(time.Since(start))
	metrics.SetOutcome(string(res.Outcome))
	if err != nil {
		metrics.SetErrorStage(errorStage(err))
		if body.IdempotencyKey != "" && d.Deduper != nil {
			if rmErr := d.Deduper.Remove(context.WithoutCancel(ctx), userID, body.IdempotencyKey); rmErr != nil {
				d.Logger.WithError(rmErr).Warn("release idempotency key")
			}
		}
		return publishResponse{}, res, err
	}
	return newPublishResponse(res, d.Coordinator.Snapshot(), key), res, nil
}
