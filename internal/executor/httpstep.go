package executor

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/mitchellh/mapstructure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/n8n-work/workflow-core/internal/execctx"
	"github.com/n8n-work/workflow-core/internal/workflow"
)

// httpStepParams is the shape a step's Parameters map must decode into to
// be runnable by HTTPStepExecutor.
type httpStepParams struct {
	Method  string            `mapstructure:"method"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Body    interface{}       `mapstructure:"body"`
}

// HTTPStepExecutor is an example StepExecutor for steps of kind "http": it
// issues a single traced HTTP request built from the step's parameters and
// reports the response as the step's output. It demonstrates how a host
// wires a real capability behind the StepExecutor contract; it is not
// itself part of the scheduling core.
type HTTPStepExecutor struct {
	client *resty.Client
}

// NewHTTPStepExecutor builds an HTTPStepExecutor whose transport is
// instrumented with OpenTelemetry spans for outgoing requests.
func NewHTTPStepExecutor() *HTTPStepExecutor {
	client := resty.New()
	client.SetTransport(otelhttp.NewTransport(client.GetClient().Transport))
	return &HTTPStepExecutor{client: client}
}

func (h *HTTPStepExecutor) Execute(ctx context.Context, step *workflow.Step, execCtx *execctx.Context) Result {
	var params httpStepParams
	if err := mapstructure.Decode(step.Parameters, &params); err != nil {
		return Result{Success: false, Err: fmt.Errorf("decode http step parameters: %w", err)}
	}
	if params.Method == "" {
		params.Method = "GET"
	}
	if params.URL == "" {
		return Result{Success: false, Err: fmt.Errorf("http step %s missing url parameter", step.ID)}
	}

	req := h.client.R().SetContext(ctx)
	for k, v := range params.Headers {
		req.SetHeader(k, v)
	}
	if params.Body != nil {
		req.SetBody(params.Body)
	}

	resp, err := req.Execute(params.Method, params.URL)
	if err != nil {
		return Result{Success: false, Err: err}
	}
	if resp.IsError() {
		return Result{
			Success: false,
			Err:     fmt.Errorf("http step %s: upstream returned %d", step.ID, resp.StatusCode()),
			Output: map[string]interface{}{
				"statusCode": resp.StatusCode(),
				"body":       string(resp.Body()),
			},
		}
	}

	return Result{
		Success: true,
		Output: map[string]interface{}{
			"statusCode": resp.StatusCode(),
			"body":       string(resp.Body()),
		},
	}
}
