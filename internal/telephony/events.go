package telephony

// Wire types for the provider's media-streaming WebSocket. Providers differ
// on casing for the stream identifier, so both spellings are accepted on
// inbound events; outbound frames use the camel-case form.

// providerEvent is the envelope of every inbound provider message.
type providerEvent struct {
	Event string `json:"event"`

	StreamSid      string `json:"streamSid,omitempty"`
	StreamSidSnake string `json:"stream_sid,omitempty"`

	Start *startPayload `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	Mark  *markPayload  `json:"mark,omitempty"`
}

// sid returns the stream identifier under whichever key the provider used.
func (e *providerEvent) sid() string {
	if e.StreamSid != "" {
		return e.StreamSid
	}
	return e.StreamSidSnake
}

// startPayload carries call metadata on the start event.
type startPayload struct {
	StreamSid      string       `json:"streamSid,omitempty"`
	StreamSidSnake string       `json:"stream_sid,omitempty"`
	MediaFormat    *mediaFormat `json:"media_format,omitempty"`
	MediaFormatAlt *mediaFormat `json:"mediaFormat,omitempty"`
}

// sid returns the stream identifier nested in the start payload.
func (p *startPayload) sid() string {
	if p.StreamSid != "" {
		return p.StreamSid
	}
	return p.StreamSidSnake
}

// format returns the media format under whichever key the provider used.
func (p *startPayload) format() *mediaFormat {
	if p.MediaFormat != nil {
		return p.MediaFormat
	}
	return p.MediaFormatAlt
}

// mediaFormat describes the PSTN leg's audio. Diagnostic only; the bridge's
// own rate comes from the handshake query parameter.
type mediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// mediaPayload carries one inbound audio frame.
type mediaPayload struct {
	Payload string `json:"payload"` // base64 PCM16
}

// markPayload carries a provider playback or boundary marker.
type markPayload struct {
	Name string `json:"name"`
}

// outboundMedia is the frame shape for audio sent back to the provider.
type outboundMedia struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Media     outboundAudio `json:"media"`
}

// outboundAudio holds the payload plus the provider's string-typed ordering
// metadata.
type outboundAudio struct {
	Payload        string `json:"payload"`
	Timestamp      string `json:"timestamp"`
	SequenceNumber string `json:"sequenceNumber"`
}
