package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"golang.org/x/time/rate"
)

// RetryPolicy drives retries of model calls: the nth retry waits
// Delay * Backoff^n, which is non-decreasing because Backoff >= 1.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Backoff    float64
}

// Wait returns how long to sleep before retry number attempt (0-based).
func (p RetryPolicy) Wait(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	backoff := p.Backoff
	if backoff < 1 {
		backoff = 1
	}
	return time.Duration(float64(p.Delay) * math.Pow(backoff, float64(attempt)))
}

// Client wraps the OpenAI client with a request rate limiter, a retry
// policy, and call counters.
type Client struct {
	api     openai.Client
	limiter *rate.Limiter
	policy  RetryPolicy

	calls   atomic.Int64
	retries atomic.Int64
}

// NewClient builds a provider client. requestsPerSecond bounds the request
// rate across all calls, retries included; <= 0 disables the limiter.
func NewClient(apiKey string, policy RetryPolicy, requestsPerSecond float64) *Client {
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	return &Client{
		api:     openai.NewClient(option.WithAPIKey(apiKey)),
		limiter: limiter,
		policy:  policy,
	}
}

// Stats reports how many API calls were issued and how many were retries.
func (c *Client) Stats() (calls, retries int64) {
	return c.calls.Load(), c.retries.Load()
}

// NewResponse issues a Responses API call, retrying rate-limit and server
// errors per the retry policy.
func (c *Client) NewResponse(ctx context.Context, params responses.ResponseNewParams) (*responses.Response, error) {
	var resp *responses.Response
	err := c.withRetry(ctx, func() error {
		var callErr error
		resp, callErr = c.api.Responses.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// NewEmbedding fetches an embedding vector for text.
func (c *Client) NewEmbedding(ctx context.Context, model, text string) ([]float64, error) {
	var resp *openai.CreateEmbeddingResponse
	err := c.withRetry(ctx, func() error {
		var callErr error
		resp, callErr = c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
			Model: openai.EmbeddingModel(model),
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("NewEmbedding: empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

func (c *Client) withRetry(ctx context.Context, call func() error) error {
	attempts := c.policy.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
			if err := sleepCtx(ctx, c.policy.Wait(attempt-1)); err != nil {
				return err
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		c.calls.Add(1)
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRateLimitError(err) && !isServerError(err) {
			return err
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error")
}

// GenerateSchema reflects a JSON schema for structured model output.
func GenerateSchema[T any]() map[string]interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)
	schemaObj, err := schemaToMap(schema)
	if err != nil {
		panic(err)
	}
	ensureOpenAICompliance(schemaObj)
	return schemaObj
}

func schemaToMap(schema *jsonschema.Schema) (map[string]interface{}, error) {
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

const (
	propertiesKey           = "properties"
	additionalPropertiesKey = "additionalProperties"
	typeKey                 = "type"
	requiredKey             = "required"
	itemsKey                = "items"
)

func ensureOpenAICompliance(schema map[string]interface{}) {
	if schemaType, ok := schema[typeKey].(string); ok && schemaType == "object" {
		schema[additionalPropertiesKey] = false

		if properties, ok := schema[propertiesKey].(map[string]interface{}); ok {
			var requiredFields []string
			for propName := range properties {
				requiredFields = append(requiredFields, propName)
			}
			if len(requiredFields) > 0 {
				schema[requiredKey] = requiredFields
			}
		}
	}

	if properties, ok := schema[propertiesKey].(map[string]interface{}); ok {
		for _, prop := range properties {
			if propMap, ok := prop.(map[string]interface{}); ok {
				ensureOpenAICompliance(propMap)
			}
		}
	}

	if items, ok := schema[itemsKey].(map[string]interface{}); ok {
		ensureOpenAICompliance(items)
	}

	if additionalProps, ok := schema[additionalPropertiesKey].(map[string]interface{}); ok {
		ensureOpenAICompliance(additionalProps)
	}
}
