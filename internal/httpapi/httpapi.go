// Package httpapi exposes flow triggers, publishing, step tests and
// execution lookups over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/petrijr/flowline/internal/engine"
	"github.com/petrijr/flowline/pkg/api"
)

const maxBodyBytes = 1 << 20

type Controller struct {
	engine *engine.Engine
	logger zerolog.Logger
}

func NewController(eng *engine.Engine, logger zerolog.Logger) *Controller {
	return &Controller{engine: eng, logger: logger}
}

// DefineRoutes builds the router serving ctrl.
func DefineRoutes(ctrl *Controller) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), ctrl.requestLogger())
	_ = r.SetTrustedProxies(nil)

	v1 := r.Group("/v1")

	flowRoutes := v1.Group("/flows/:flowID")
	flowRoutes.POST("/executions", ctrl.StartExecutionHandler)
	flowRoutes.POST("/publish", ctrl.PublishFlowHandler)
	flowRoutes.POST("/steps/:stepID/test", ctrl.TestStepHandler)

	v1.GET("/executions/:executionID", ctrl.GetExecutionHandler)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

// StartExecutionHandler starts a live execution. The request body is the
// trigger's output.
func (ctrl *Controller) StartExecutionHandler(c *gin.Context) {
	flowID := c.Param("flowID")

	output, err := readJSONBody(c)
	if err != nil {
		ctrl.ErrorHandler(c, http.StatusBadRequest, err)
		return
	}

	exec, err := ctrl.engine.StartExecutionWithMetadata(c.Request.Context(), flowID, output, requestMetadata(c))
	if err != nil && exec == nil {
		ctrl.ErrorHandler(c, statusFor(err), err)
		return
	}
	if err != nil {
		// The execution exists but could not be scheduled; it has been failed.
		ctrl.logger.Warn().Err(err).Str("execution_id", exec.ID).Msg("execution failed to start")
	}

	c.JSON(http.StatusAccepted, gin.H{"execution": toExecution(*exec)})
}

// PublishFlowHandler validates and activates a flow.
func (ctrl *Controller) PublishFlowHandler(c *gin.Context) {
	flow, err := ctrl.engine.Publish(c.Request.Context(), c.Param("flowID"))
	if err != nil {
		ctrl.ErrorHandler(c, statusFor(err), err)
		return
	}

	steps := make([]stepResponse, 0, len(flow.Steps))
	for _, s := range flow.Steps {
		steps = append(steps, toStep(s))
	}
	c.JSON(http.StatusOK, gin.H{"flow": flowResponse{ID: flow.ID, Name: flow.Name, Active: flow.Active, Steps: steps}})
}

type testStepRequest struct {
	TriggerOutput json.RawMessage `json:"trigger_output"`
}

// TestStepHandler runs a single step against the flow's test execution.
func (ctrl *Controller) TestStepHandler(c *gin.Context) {
	var req testStepRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			ctrl.ErrorHandler(c, http.StatusBadRequest, err)
			return
		}
	}

	in := engine.TestInput{}
	if len(req.TriggerOutput) > 0 {
		in.TriggerOutput = req.TriggerOutput
	}

	res, err := ctrl.engine.TestStep(c.Request.Context(), c.Param("flowID"), c.Param("stepID"), in)
	if err != nil {
		ctrl.ErrorHandler(c, statusFor(err), err)
		return
	}

	body := testStepResponse{
		Execution: toExecution(res.Execution),
		Step:      toExecutionStep(res.Step),
		Next:      nextResponse{Kind: res.Next.Kind.String(), StepID: res.Next.StepID},
	}
	if res.Failed() {
		body.Error = res.Err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// GetExecutionHandler returns an execution with its recorded steps.
func (ctrl *Controller) GetExecutionHandler(c *gin.Context) {
	view, err := ctrl.engine.GetExecution(c.Request.Context(), c.Param("executionID"))
	if err != nil {
		ctrl.ErrorHandler(c, statusFor(err), err)
		return
	}

	steps := make([]executionStepResponse, 0, len(view.Steps))
	for _, es := range view.Steps {
		steps = append(steps, toExecutionStep(es))
	}
	c.JSON(http.StatusOK, gin.H{"execution": toExecution(view.Execution), "steps": steps})
}

func (ctrl *Controller) ErrorHandler(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		ctrl.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var cfgErr *api.ConfigurationError
	switch {
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidFlow), errors.As(err, &cfgErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrFlowInactive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (ctrl *Controller) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ctrl.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

// readJSONBody returns the request body as raw JSON, or nil when empty.
func readJSONBody(c *gin.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errors.New("request body is not valid JSON")
	}
	return body, nil
}

// requestMetadata carries the caller's request id to every job of the
// execution.
func requestMetadata(c *gin.Context) map[string]string {
	if id := c.GetHeader("X-Request-Id"); id != "" {
		return map[string]string{"request_id": id}
	}
	return nil
}
