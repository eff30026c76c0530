package stream

import "encoding/base64"

// StreamMessage is the JSON envelope for every frame on the media socket,
// inbound and outbound. Event selects which payload field is populated.
type StreamMessage struct {
	Event string      `json:"event"`
	Start *StartFrame `json:"start,omitempty"`
	Media *MediaFrame `json:"media,omitempty"`
	Stage *StageFrame `json:"stage,omitempty"`
}

// StartFrame opens a stream: who is speaking and in which room.
type StartFrame struct {
	UserID          string `json:"userId"`
	RoomID          string `json:"roomId"`
	InputSampleRate int    `json:"inputSampleRate,omitempty"`
}

// MediaFrame carries one base64-encoded PCM16 little-endian chunk.
type MediaFrame struct {
	Payload    string `json:"payload"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// StageFrame reports a provider connection event for one pipeline stage.
type StageFrame struct {
	Stage string `json:"stage"`
	Event string `json:"event"`
}

// DecodePayload returns the raw PCM bytes of a media frame.
func (m *MediaFrame) DecodePayload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Payload)
}

func newMediaMessage(pcm []byte) StreamMessage {
	return StreamMessage{
		Event: "media",
		Media: &MediaFrame{Payload: base64.StdEncoding.EncodeToString(pcm)},
	}
}

// startedResponse acknowledges a start frame with the session the caller
// landed in and the rate of outbound media.
type startedResponse struct {
	Event            string `json:"event"`
	SessionID        string `json:"sessionId"`
	OutputSampleRate int    `json:"outputSampleRate"`
}

// stageResponse is the tracker snapshot sent after each stage event.
type stageResponse struct {
	Event         string            `json:"event"`
	Stages        map[string]string `json:"stages"`
	DroppedFrames int64             `json:"droppedFrames"`
}

// errorResponse reports a rejected frame or a fatal stream error.
type errorResponse struct {
	Event string `json:"event"`
	Error string `json:"error"`
}
