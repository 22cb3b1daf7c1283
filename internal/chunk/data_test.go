package chunk

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecoders_Usage(t *testing.T) {
	c, err := Parse([]byte(`{"type":"data-usage","data":{
		"usage":{"inputTokens":120,"outputTokens":30,"totalTokens":150,"cachedInputTokens":100},
		"usageRate":1.17,"modelId":"openai:gpt-4o","maxTokens":128000}}`))
	require.NoError(t, err)

	v, ok, err := NewDecoders().Decode(c.(*Data))
	require.NoError(t, err)
	require.True(t, ok)

	usage := v.(*Usage)
	require.Equal(t, 150, usage.Usage.TotalTokens)
	require.Equal(t, 100, usage.Usage.CachedInputTokens)
	require.Equal(t, 1.17, usage.UsageRate)
	require.Equal(t, "openai:gpt-4o", usage.ModelID)
	require.Equal(t, 128000, usage.MaxTokens)
}

func TestDecoders_StepFinish(t *testing.T) {
	d, err := NewData(DataStepFinish, map[string]any{"finishReason": "stop", "text": "done", "extra": true})
	require.NoError(t, err)

	v, ok, err := NewDecoders().Decode(d)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, &StepFinish{FinishReason: FinishStop, Text: "done"}, v)
}

func TestDecoders_UnknownNameStaysOpaque(t *testing.T) {
	v, ok, err := NewDecoders().Decode(&Data{Name: "weather", Payload: json.RawMessage(`{"temp":20}`)})
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, v)
}

func TestDecoders_RegisterAndError(t *testing.T) {
	d := NewDecoders()
	d.Register("weather", func(payload json.RawMessage) (any, error) {
		var temp struct {
			Temp int `json:"temp"`
		}
		if err := json.Unmarshal(payload, &temp); err != nil {
			return nil, err
		}
		if temp.Temp < -273 {
			return nil, errors.New("below absolute zero")
		}
		return temp.Temp, nil
	})

	v, ok, err := d.Decode(&Data{Name: "weather", Payload: json.RawMessage(`{"temp":20}`)})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 20, v)

	_, ok, err = d.Decode(&Data{Name: "weather", Payload: json.RawMessage(`{"temp":-300}`)})
	require.True(t, ok)
	require.ErrorContains(t, err, "decode data-weather: below absolute zero")
}

func TestNewData(t *testing.T) {
	raw, err := NewData("usage", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(raw.Payload))

	empty, err := NewData("x", json.RawMessage(nil))
	require.NoError(t, err)
	require.Equal(t, json.RawMessage("null"), empty.Payload)

	_, err = NewData("bad", func() {})
	require.Error(t, err)

	encoded, err := Marshal(raw)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"data-usage","data":{"a":1}}`, string(encoded))
}
