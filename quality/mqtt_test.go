package quality

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// commandRecorder is a testify mock for CommandHandler
type commandRecorder struct {
	mock.Mock
}

func (m *commandRecorder) Handle(cmd AnalyzeCommand) {
	m.Called(cmd)
}

func TestInitMQTT_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	client, err := InitMQTT(&Config{}, nil)
	assert.NoError(t, err)
	assert.Nil(t, client)

	client, err = InitMQTT(nil, nil)
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestResolvePublishPrefix(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	assert.Equal(t, DefaultPublishPrefix, ResolvePublishPrefix(nil))
	assert.Equal(t, DefaultPublishPrefix, ResolvePublishPrefix(&MQTTConfig{}))
	assert.Equal(t, "site-a", ResolvePublishPrefix(&MQTTConfig{PublishPrefix: "site-a"}))

	t.Setenv("MQTT_PUBLISH_PREFIX", "from-env")
	assert.Equal(t, "from-env", ResolvePublishPrefix(&MQTTConfig{PublishPrefix: "site-a"}))
}

func TestParseAnalyzeCommand(t *testing.T) {
	worst := MetricWorstCase
	gdop := MetricGDOP

	tests := []struct {
		name    string
		payload string
		want    AnalyzeCommand
		wantErr bool
	}{
		{name: "empty", payload: "", want: AnalyzeCommand{}},
		{name: "whitespace", payload: "  \n", want: AnalyzeCommand{}},
		{name: "bare metric", payload: "worst-case", want: AnalyzeCommand{Metric: &worst}},
		{name: "quoted metric", payload: `"gdop"`, want: AnalyzeCommand{Metric: &gdop}},
		{name: "json object", payload: `{"requestId": "r1", "metric": "worst_case", "pointingAccuracy": 0.8}`,
			want: AnalyzeCommand{RequestID: "r1", Metric: &worst, PointingAccuracy: 0.8}},
		{name: "json without metric", payload: `{"requestId": "r2"}`, want: AnalyzeCommand{RequestID: "r2"}},
		{name: "unknown metric", payload: "median", wantErr: true},
		{name: "unknown metric in object", payload: `{"metric": "median"}`, wantErr: true},
		{name: "negative accuracy", payload: `{"pointingAccuracy": -1}`, wantErr: true},
		{name: "broken json", payload: `{"requestId":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAnalyzeCommand([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMQTTClient_SubscribesOnConnect(t *testing.T) {
	handler := &commandRecorder{}
	handler.On("Handle", mock.MatchedBy(func(cmd AnalyzeCommand) bool {
		return cmd.RequestID == "r1" && cmd.Metric != nil && *cmd.Metric == MetricWorstCase
	})).Once()

	mockClient := NewMockClient()
	c := newMQTTClientWithMock(mockClient, "test", handler.Handle)
	mockClient.SetOnConnect(c.onConnect)

	assert.Equal(t, "test/cmd/analyze", c.CommandTopic())
	assert.False(t, c.IsConnected())

	require.NoError(t, mockClient.Connect().Error())
	assert.True(t, c.IsConnected())

	delivered := mockClient.SimulateMessage("test/cmd/analyze", []byte(`{"requestId": "r1", "metric": "worst-case"}`))
	assert.True(t, delivered)

	// Invalid commands never reach the handler
	assert.True(t, mockClient.SimulateMessage("test/cmd/analyze", []byte("median")))

	handler.AssertExpectations(t)
	handler.AssertNumberOfCalls(t, "Handle", 1)
}

func TestMQTTClient_SubscribeError(t *testing.T) {
	mockClient := NewMockClient()
	mockClient.SetSubscribeError(errors.New("not authorized"))
	c := newMQTTClientWithMock(mockClient, "test", nil)
	mockClient.SetOnConnect(c.onConnect)

	require.NoError(t, mockClient.Connect().Error())
	assert.False(t, mockClient.SimulateMessage(c.CommandTopic(), nil), "no handler after failed subscribe")
}

func TestMQTTClient_NilHandler(t *testing.T) {
	mockClient := NewMockClient()
	c := newMQTTClientWithMock(mockClient, "test", nil)
	mockClient.SetOnConnect(c.onConnect)
	require.NoError(t, mockClient.Connect().Error())

	assert.NotPanics(t, func() {
		mockClient.SimulateMessage(c.CommandTopic(), []byte("gdop"))
	})
}

func TestMQTTClient_ConnectionLostAndDisconnect(t *testing.T) {
	mockClient := NewMockClient()
	c := newMQTTClientWithMock(mockClient, "test", nil)
	mockClient.SetOnConnect(c.onConnect)
	require.NoError(t, mockClient.Connect().Error())

	c.onConnectionLost(mockClient, errors.New("broker restarted"))
	assert.False(t, c.IsConnected())

	c.setConnected(true)
	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.False(t, mockClient.IsConnected())
	assert.Same(t, mockClient, c.GetClient())
}
