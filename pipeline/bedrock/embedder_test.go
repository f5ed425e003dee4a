package bedrock

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutrimind"
)

// mockInvokeClient implements invokeModelClient for testing
type mockInvokeClient struct {
	response *bedrockruntime.InvokeModelOutput
	err      error
	lastIn   *bedrockruntime.InvokeModelInput
}

func (m *mockInvokeClient) InvokeModel(ctx context.Context, input *bedrockruntime.InvokeModelInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	m.lastIn = input
	return m.response, m.err
}

func TestNewTitanEmbedder(t *testing.T) {
	e := NewTitanEmbedder(&mockInvokeClient{}, "")
	assert.Equal(t, defaultEmbedModelID, e.modelID)
	assert.Equal(t, defaultEmbedDimensions, e.dimensions)

	e = NewTitanEmbedder(&mockInvokeClient{}, "custom-embed-model")
	assert.Equal(t, "custom-embed-model", e.modelID)
}

func TestTitanEmbedderEmbed(t *testing.T) {
	mockClient := &mockInvokeClient{response: &bedrockruntime.InvokeModelOutput{
		Body: []byte(`{"embedding":[0.1,0.2,0.3],"inputTextTokenCount":4}`),
	}}
	e := NewTitanEmbedder(mockClient, "")

	vec, err := e.Embed(context.Background(), "chicken breast")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	// The request pins the model, asks for normalized vectors, and carries
	// the configured dimensionality.
	require.NotNil(t, mockClient.lastIn)
	assert.Equal(t, defaultEmbedModelID, aws.ToString(mockClient.lastIn.ModelId))
	assert.Equal(t, "application/json", aws.ToString(mockClient.lastIn.ContentType))

	var req map[string]any
	require.NoError(t, json.Unmarshal(mockClient.lastIn.Body, &req))
	assert.Equal(t, "chicken breast", req["inputText"])
	assert.Equal(t, float64(defaultEmbedDimensions), req["dimensions"])
	assert.Equal(t, true, req["normalize"])
}

func TestTitanEmbedderEmbedErrors(t *testing.T) {
	t.Run("invoke error", func(t *testing.T) {
		e := NewTitanEmbedder(&mockInvokeClient{err: assert.AnError}, "")
		_, err := e.Embed(context.Background(), "rice")
		require.Error(t, err)
		assert.ErrorIs(t, err, nutrimind.ErrExternalCall)
	})

	t.Run("malformed body", func(t *testing.T) {
		e := NewTitanEmbedder(&mockInvokeClient{response: &bedrockruntime.InvokeModelOutput{Body: []byte("not json")}}, "")
		_, err := e.Embed(context.Background(), "rice")
		require.Error(t, err)
		assert.ErrorIs(t, err, nutrimind.ErrExternalCall)
	})

	t.Run("empty embedding", func(t *testing.T) {
		e := NewTitanEmbedder(&mockInvokeClient{response: &bedrockruntime.InvokeModelOutput{Body: []byte(`{"embedding":[]}`)}}, "")
		_, err := e.Embed(context.Background(), "rice")
		require.Error(t, err)
		assert.ErrorIs(t, err, nutrimind.ErrExternalCall)
	})
}
