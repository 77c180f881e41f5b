package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientCommandParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 0: invalid UTF-8
	{
		_, err := ParseClientCommand([]byte{0xff, 0xfe, 0xfd})
		assert.NotNil(err)
		assert.Contains(err.Error(), "Invalid UTF-8")
	}

	// Case 1: invalid JSON
	{
		_, err := ParseClientCommand([]byte("{command: subscribe"))
		assert.NotNil(err)
		assert.Contains(err.Error(), "Invalid JSON")
	}

	// Case 2: subscribe command
	{
		cmd, err := ParseClientCommand(
			[]byte(`{"command": "subscribe", "collections": ["posts", "comments"]}`),
		)
		assert.Nil(err)
		assert.Equal(CommandSubscribe, cmd.Command)
		assert.Equal([]string{"posts", "comments"}, cmd.Collections)
		assert.Nil(cmd.Data)
	}

	// Case 3: command with data and no collections
	{
		cmd, err := ParseClientCommand([]byte(`{"command": "ping", "data": {"seq": 1}}`))
		assert.Nil(err)
		assert.Equal(CommandPing, cmd.Command)
		assert.Nil(cmd.Collections)
		assert.JSONEq(`{"seq": 1}`, string(cmd.Data))
	}
}

func TestServerMessageCreation(t *testing.T) {
	assert := assert.New(t)

	now := time.Unix(1700000000, 123)

	// Case 0: pong has no payload
	{
		msg, err := CreatePong(now)
		assert.Nil(err)
		var parsed map[string]interface{}
		assert.Nil(json.Unmarshal(msg, &parsed))
		assert.Equal(MessageTypePong, parsed["type"])
		_, ok := parsed["payload"]
		assert.False(ok)
		var typed ServerMessage
		assert.Nil(json.Unmarshal(msg, &typed))
		assert.Equal(uint64(now.UnixNano()), typed.Timestamp)
	}

	// Case 1: error
	{
		msg, err := CreateError("Invalid JSON", now)
		assert.Nil(err)
		assert.JSONEq(
			`{"type": "error", "timestamp": 1700000000000000123, "payload": {"error": "Invalid JSON"}}`,
			string(msg),
		)
	}

	// Case 2: welcome
	{
		msg, err := CreateWelcome("client-1", now)
		assert.Nil(err)
		var parsed struct {
			Type    string         `json:"type"`
			Payload WelcomePayload `json:"payload"`
		}
		assert.Nil(json.Unmarshal(msg, &parsed))
		assert.Equal(MessageTypeWelcome, parsed.Type)
		assert.Equal("client-1", parsed.Payload.ClientKey)
		assert.Equal("httpnotify", parsed.Payload.Server)
		assert.Equal(ServerVersion, parsed.Payload.Version)
	}
}

func TestElapsedSince(t *testing.T) {
	assert := assert.New(t)

	base := time.Now()
	assert.Equal(time.Minute, ElapsedSince(base.Add(time.Minute), base))
	// Clock skew: "then" in the future
	assert.Equal(time.Duration(0), ElapsedSince(base, base.Add(time.Hour)))
	assert.Equal(uint64(0), TimestampNano(time.Unix(-10, 0)))
}
